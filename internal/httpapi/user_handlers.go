package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"tenantgate.org/internal/auth"
)

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	Role     string `json:"role,omitempty"`
	Password string `json:"password,omitempty"`
}

func (req createUserRequest) toNewUser() (auth.NewUser, error) {
	role, ok := auth.ParseRole(req.Role)
	if !ok {
		return auth.NewUser{}, errors.New("role must be one of user, admin")
	}
	return auth.NewUser{
		Username: req.Username,
		Email:    req.Email,
		FullName: req.FullName,
		Role:     role,
		Password: req.Password,
	}, nil
}

type updateUserRequest struct {
	Email    *string `json:"email,omitempty"`
	FullName *string `json:"full_name,omitempty"`
	Password *string `json:"password,omitempty"`
}

type listUsersResponse struct {
	Data       []auth.User `json:"data"`
	Page       int         `json:"page"`
	PageSize   int         `json:"page_size"`
	TotalCount int         `json:"total_count"`
	HasNext    bool        `json:"has_next"`
	HasPrev    bool        `json:"has_prev"`
}

// loadUser fetches the user named by the {id} route variable and authorizes
// the caller against it. A user of another tenant is answered exactly like a
// missing one.
func (a *API) loadUser(w http.ResponseWriter, r *http.Request, required auth.Role) (auth.User, bool) {
	id := mux.Vars(r)["id"]
	user, err := a.creds.FindUserByID(r.Context(), id)
	if errors.Is(err, auth.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, userNotFound(id))
		return auth.User{}, false
	}
	if err != nil {
		handleAuthError(w, r, err)
		return auth.User{}, false
	}
	err = a.guard.Authorize(claimsOrNil(r), user.TenantID, required)
	if errors.Is(err, auth.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, userNotFound(id))
		return auth.User{}, false
	}
	if err != nil {
		handleAuthError(w, r, err)
		return auth.User{}, false
	}
	return user, true
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.gate(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	nu, err := req.toNewUser()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	user, err := a.creds.CreateUser(r.Context(), claims.TenantID, nu)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.created", map[string]any{
		"target_user_id": user.ID,
		"role":           user.Role.String(),
	})
	w.Header().Set("Location", "/api/v1/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleBulkCreateUsers(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.gate(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	var req []createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	batch := make([]auth.NewUser, 0, len(req))
	for i, item := range req {
		nu, err := item.toNewUser()
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "item "+strconv.Itoa(i)+": "+err.Error())
			return
		}
		batch = append(batch, nu)
	}

	users, err := a.creds.CreateUsers(r.Context(), claims.TenantID, batch)
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.bulk_created", map[string]any{
		"count": len(users),
	})
	writeJSON(w, http.StatusCreated, users)
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	claims, ok := a.gate(w, r, auth.RoleUser)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, err := parsePositiveInt(q.Get("page"), "page", 1)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	size, err := parsePositiveInt(q.Get("page_size"), "page_size", 20)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	activeOnly := false
	if raw := strings.TrimSpace(q.Get("active_only")); raw != "" {
		activeOnly, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "active_only must be a boolean")
			return
		}
	}

	res, err := a.creds.ListUsers(r.Context(), claims.TenantID, auth.ListOptions{
		Page:       page,
		PageSize:   size,
		ActiveOnly: activeOnly,
	})
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	data := res.Users
	if data == nil {
		data = []auth.User{}
	}
	writeJSON(w, http.StatusOK, listUsersResponse{
		Data:       data,
		Page:       res.Page,
		PageSize:   res.PageSize,
		TotalCount: res.TotalCount,
		HasNext:    res.HasNext(),
		HasPrev:    res.HasPrev(),
	})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := a.loadUser(w, r, auth.RoleUser)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	user, ok := a.loadUser(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	var req updateUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	updated, err := a.creds.UpdateUser(r.Context(), user.TenantID, user.ID, auth.UserUpdate{
		Email:    req.Email,
		FullName: req.FullName,
		Password: req.Password,
	})
	if errors.Is(err, auth.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, userNotFound(user.ID))
		return
	}
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.updated", map[string]any{
		"target_user_id":   user.ID,
		"password_changed": req.Password != nil,
	})
	writeJSON(w, http.StatusOK, updated)
}

// handleDeleteUser deactivates the user; the record stays for auditing.
func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := a.loadUser(w, r, auth.RoleAdmin)
	if !ok {
		return
	}
	if claims := claimsOrNil(r); claims != nil && claims.UserID == user.ID {
		writeError(w, r, http.StatusBadRequest, "Cannot delete your own account")
		return
	}

	if _, err := a.creds.DeactivateUser(r.Context(), user.TenantID, user.ID); err != nil {
		if errors.Is(err, auth.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, userNotFound(user.ID))
			return
		}
		handleAuthError(w, r, err)
		return
	}
	a.audit(r.Context(), "user.deactivated", map[string]any{
		"target_user_id": user.ID,
	})
	w.WriteHeader(http.StatusNoContent)
}

func parsePositiveInt(raw, name string, def int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 1 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return val, nil
}
