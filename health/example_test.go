package health_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/jonwraymond/apiguard/health"
	"github.com/jonwraymond/apiguard/resilience"
)

func ExampleAggregator() {
	breakers := resilience.NewBreakers(resilience.CircuitBreakerConfig{MaxFailures: 1})
	breakers.RecordFailure("pricing")

	agg := health.NewAggregator()
	agg.Register(health.Breakers("breakers", breakers))
	agg.Register(health.Ping("redis", func(context.Context) error { return nil }))

	report := agg.CheckAll(context.Background())
	for _, name := range report.Names() {
		fmt.Println(name, report.Checks[name].Status)
	}
	fmt.Println("overall:", report.Status)
	// Output:
	// breakers degraded
	// redis healthy
	// overall: degraded
}

func ExampleRegisterHandlers() {
	agg := health.NewAggregator()
	agg.Register(health.NewCheckerFunc("db", func(context.Context) health.Result {
		return health.Healthy("connected")
	}))

	mux := http.NewServeMux()
	health.RegisterHandlers(mux, agg)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	fmt.Println(rec.Code, rec.Body.String())
	// Output:
	// 200 OK
}
