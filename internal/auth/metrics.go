package auth

import "github.com/prometheus/client_golang/prometheus"

var rejectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "tabletalk_auth_rejections_total",
	Help: "Requests rejected by authentication or role checks.",
}, []string{"reason"})

func init() {
	prometheus.MustRegister(rejectionsTotal)
}
