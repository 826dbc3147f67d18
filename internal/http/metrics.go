package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokensPushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "attendease_tokens_pushed_total",
		Help: "Broadcast tokens pushed to the registry.",
	})
	tokenVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendease_token_verifications_total",
		Help: "Token verification requests by result.",
	}, []string{"result"})
	attendanceMarks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "attendease_attendance_marks_total",
		Help: "Attendance records written by method.",
	}, []string{"method"})
)
