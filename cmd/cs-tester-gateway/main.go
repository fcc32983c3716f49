package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/osvaldoandrade/lambda-tester/internal/api"
	"github.com/osvaldoandrade/lambda-tester/internal/config"
	cserrors "github.com/osvaldoandrade/lambda-tester/internal/errors"
	"github.com/osvaldoandrade/lambda-tester/internal/observability"
	_ "github.com/osvaldoandrade/lambda-tester/internal/plugins/drivers"
	"github.com/osvaldoandrade/lambda-tester/internal/plugins/registry"
	"github.com/osvaldoandrade/lambda-tester/internal/report"
	"github.com/osvaldoandrade/lambda-tester/pkg/jsruntime"
	"github.com/osvaldoandrade/lambda-tester/pkg/lambdatester"
)

// taskRoot is LAMBDA_TASK_ROOT for uploaded bundles.
const taskRoot = "/var/task"

type pinger interface {
	Ping(ctx context.Context) error
}

type suiteLister interface {
	ListSuites(ctx context.Context) ([]string, error)
}

type server struct {
	cfg       config.Config
	logger    *observability.Logger
	registry  *prometheus.Registry
	publisher *report.Publisher
	slots     chan struct{}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to config YAML")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		panic(err)
	}
	list, err := registry.NewSinks(cfg)
	if err != nil {
		panic(err)
	}
	defer registry.CloseAll(list)

	sinks := make([]report.Sink, 0, len(list))
	for _, s := range list {
		sinks = append(sinks, s)
	}
	s := newServer(cfg, observability.NewLogger("cs-tester-gateway"), sinks...)
	if err := s.serve(); err != nil {
		panic(err)
	}
}

func newServer(cfg config.Config, logger *observability.Logger, sinks ...report.Sink) *server {
	reg := prometheus.NewRegistry()
	defaults := cfg.TesterDefaults()
	defaults.Logger = logger
	lambdatester.SetDefaults(defaults)
	return &server{
		cfg:       cfg,
		logger:    logger,
		registry:  reg,
		publisher: report.NewPublisher(logger, observability.NewMetrics(reg), sinks...),
		slots:     make(chan struct{}, cfg.Gateway.Limits.MaxConcurrent),
	}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(observability.RequestIDMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		api.WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "ok"})
	})
	r.Get("/readyz", s.ready)
	r.Handle("/metrics", observability.MetricsHandler(s.registry))

	r.Route("/v1", func(v1 chi.Router) {
		v1.Post("/expectations", s.runExpectation)
		v1.Get("/reports/{id}", s.getReport)
		v1.Get("/suites", s.listSuites)
		v1.Get("/suites/{suite}/reports", s.listReports)
	})
	return r
}

func (s *server) serve() error {
	httpServer := &http.Server{
		Addr:         s.cfg.Gateway.HTTP.Addr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 16 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	s.logger.Info(context.Background(), "listening on "+httpServer.Addr)
	return httpServer.ListenAndServe()
}

func (s *server) ready(w http.ResponseWriter, r *http.Request) {
	for _, sink := range s.publisher.Sinks() {
		p, ok := sink.(pinger)
		if !ok {
			continue
		}
		if err := p.Ping(r.Context()); err != nil {
			cserrors.WriteHTTP(w, err, requestID(r))
			return
		}
	}
	api.WriteJSON(w, http.StatusOK, api.HealthResponse{Status: "ready"})
}

// runExpectation loads the uploaded bundle, runs one expectation against it
// and answers with the report. Failed expectations carry the status of their
// error code.
func (s *server) runExpectation(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Gateway.Limits.MaxBodyBytes))
	var req api.ExpectationRequest
	if err := api.ReadJSON(r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			cserrors.WriteHTTP(w, cserrors.New(cserrors.CSValidationFailed, "request body too large"), requestID(r))
			return
		}
		cserrors.WriteHTTP(w, cserrors.New(cserrors.CSValidationFailed, "invalid json body"), requestID(r))
		return
	}
	if err := req.Validate(); err != nil {
		cserrors.WriteHTTP(w, cserrors.New(cserrors.CSValidationFailed, err.Error()), requestID(r))
		return
	}
	kind, err := lambdatester.ParseExpectationKind(req.Expect)
	if err != nil {
		cserrors.WriteHTTP(w, cserrors.New(cserrors.CSValidationFailed, err.Error()), requestID(r))
		return
	}

	files := make(map[string][]byte, len(req.Files))
	for name, content := range req.Files {
		files[name] = []byte(content)
	}
	mod, err := jsruntime.Load(files, taskRoot)
	if err != nil {
		cserrors.WriteHTTP(w, cserrors.Wrap(cserrors.CSValidationBundle, err.Error(), err), requestID(r))
		return
	}
	tester, err := mod.Tester()
	if err != nil {
		cserrors.WriteHTTP(w, cserrors.Wrap(cserrors.CSValidationBundle, err.Error(), err), requestID(r))
		return
	}
	if req.Event != nil {
		tester.Event(req.Event)
	}
	if d := req.Timeout(); d > 0 {
		tester.Timeout(d)
	}
	if req.LeakCheck != nil {
		tester.LeakDetection(*req.LeakCheck)
	}
	if len(req.Context) > 0 {
		tester.Context(req.Context)
	}

	select {
	case s.slots <- struct{}{}:
	case <-r.Context().Done():
		cserrors.WriteHTTP(w, cserrors.New(cserrors.CSHandlerTimeout, "request cancelled while waiting for a slot"), requestID(r))
		return
	}
	defer func() { <-s.slots }()
	meta := report.Meta{Suite: req.Suite, Name: req.Name, Handler: mod.Manifest().Entry + "." + mod.Manifest().Handler}
	rep := report.New(meta, tester.Expect(kind))

	// Sink failures are logged and counted by the publisher.
	_ = s.publisher.Publish(r.Context(), rep)

	status := http.StatusOK
	if !rep.Passed {
		status = cserrors.StatusCode(rep.Code)
	}
	api.WriteJSON(w, status, rep)
}

func (s *server) getReport(w http.ResponseWriter, r *http.Request) {
	reader, ok := s.publisher.Reader()
	if !ok {
		cserrors.WriteHTTP(w, cserrors.New(cserrors.CSSinkUnknown, "no configured sink can serve reports"), requestID(r))
		return
	}
	rep, err := reader.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	api.WriteJSON(w, http.StatusOK, rep)
}

func (s *server) listSuites(w http.ResponseWriter, r *http.Request) {
	for _, sink := range s.publisher.Sinks() {
		lister, ok := sink.(suiteLister)
		if !ok {
			continue
		}
		suites, err := lister.ListSuites(r.Context())
		if err != nil {
			cserrors.WriteHTTP(w, err, requestID(r))
			return
		}
		if suites == nil {
			suites = []string{}
		}
		api.WriteJSON(w, http.StatusOK, map[string]any{"suites": suites})
		return
	}
	cserrors.WriteHTTP(w, cserrors.New(cserrors.CSSinkUnknown, "no configured sink can list suites"), requestID(r))
}

func (s *server) listReports(w http.ResponseWriter, r *http.Request) {
	reader, ok := s.publisher.Reader()
	if !ok {
		cserrors.WriteHTTP(w, cserrors.New(cserrors.CSSinkUnknown, "no configured sink can serve reports"), requestID(r))
		return
	}
	suite := chi.URLParam(r, "suite")
	if err := api.ValidateSuite(suite); err != nil {
		cserrors.WriteHTTP(w, cserrors.New(cserrors.CSValidationFailed, err.Error()), requestID(r))
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 500 {
			cserrors.WriteHTTP(w, cserrors.New(cserrors.CSValidationFailed, "limit must be between 1 and 500"), requestID(r))
			return
		}
		limit = parsed
	}
	reports, err := reader.ListReports(r.Context(), suite, limit)
	if err != nil {
		cserrors.WriteHTTP(w, err, requestID(r))
		return
	}
	if reports == nil {
		reports = []report.Report{}
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{"suite": suite, "reports": reports})
}

func requestID(r *http.Request) string {
	return observability.RequestIDFromContext(r.Context())
}
