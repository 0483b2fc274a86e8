// Package metrics — счётчики жизненного цикла сессий и HTTP-запросов.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Значения метки result.
const (
	ResultOK       = "ok"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Recorder хранит зарегистрированные коллекторы.
// Нулевой указатель допустим: все методы на nil ничего не делают.
type Recorder struct {
	signups  prometheus.Counter
	logins   *prometheus.CounterVec
	refresh  *prometheus.CounterVec
	theft    prometheus.Counter
	logouts  prometheus.Counter
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// New создаёт и регистрирует коллекторы в reg.
func New(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		signups: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_signups_total",
			Help: "Successful signups.",
		}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by result.",
		}, []string{"result"}),
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh-token exchanges by result.",
		}, []string{"result"}),
		theft: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_theft_detected_total",
			Help: "Replays of already rotated refresh tokens.",
		}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_logouts_total",
			Help: "Logouts.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_http_requests_total",
			Help: "HTTP requests by route pattern, method and status.",
		}, []string{"route", "method", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auth_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}

	for _, c := range []prometheus.Collector{r.signups, r.logins, r.refresh, r.theft, r.logouts, r.requests, r.duration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return r, nil
}

func (r *Recorder) Signup() {
	if r == nil {
		return
	}
	r.signups.Inc()
}

func (r *Recorder) Login(result string) {
	if r == nil {
		return
	}
	r.logins.WithLabelValues(result).Inc()
}

func (r *Recorder) Refresh(result string) {
	if r == nil {
		return
	}
	r.refresh.WithLabelValues(result).Inc()
}

func (r *Recorder) TheftDetected() {
	if r == nil {
		return
	}
	r.theft.Inc()
}

func (r *Recorder) Logout() {
	if r == nil {
		return
	}
	r.logouts.Inc()
}

// Request учитывает завершённый HTTP-запрос. route — шаблон маршрута, а не путь,
// чтобы кардинальность меток оставалась ограниченной.
func (r *Recorder) Request(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.requests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.duration.WithLabelValues(route, method).Observe(d.Seconds())
}
