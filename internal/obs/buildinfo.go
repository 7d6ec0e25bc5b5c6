package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Set at link time: -ldflags "-X tenantgate.org/internal/obs.Version=..."
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	buildInfoOnce sync.Once

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tenantgate_build_info",
			Help: "tenantgate build information.",
		},
		[]string{"version", "commit"},
	)
)

// InitBuildInfo registers build_info once and sets it for version and commit.
func InitBuildInfo(version, commit string) {
	buildInfoOnce.Do(func() {
		prometheus.MustRegister(buildInfo)
	})
	buildInfo.WithLabelValues(version, commit).Set(1)
}
