package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/cordonlabs/cordon/pkg/audit"
	"github.com/cordonlabs/cordon/pkg/auth"
	"github.com/cordonlabs/cordon/pkg/errdef"
	"github.com/cordonlabs/cordon/pkg/log"
	"github.com/cordonlabs/cordon/pkg/manager"
	"github.com/cordonlabs/cordon/pkg/metrics"
	"github.com/cordonlabs/cordon/pkg/storage"
	"github.com/cordonlabs/cordon/pkg/types"
)

// Config carries the REST listener's tunables.
type Config struct {
	Bind           string
	TLSCert        string
	TLSKey         string
	BodyLimit      int64
	RateLimitRPS   float64
	RateLimitBurst int
	RequestTimeout time.Duration
}

// Server is the REST surface.
type Server struct {
	cfg      Config
	manager  *manager.Manager
	auth     *auth.Core
	aud      *audit.Writer
	store    storage.Store
	validate *validator.Validate

	httpServer *http.Server
	ready      atomic.Bool
}

// New creates the REST server.
func New(cfg Config, mgr *manager.Manager, authCore *auth.Core, aud *audit.Writer, store storage.Store) *Server {
	if cfg.BodyLimit <= 0 {
		cfg.BodyLimit = 1 << 20
	}
	if cfg.RateLimitRPS <= 0 {
		cfg.RateLimitRPS = 50
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = 100
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{
		cfg:      cfg,
		manager:  mgr,
		auth:     authCore,
		aud:      aud,
		store:    store,
		validate: validator.New(),
	}
}

// Router assembles the full middleware chain and route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(withCorrelation)
	r.Use(withAccessLog)
	r.Use(withBodyLimit(s.cfg.BodyLimit))
	r.Use(withRateLimit(newEndpointLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst)))
	r.Use(withTimeout(s.cfg.RequestTimeout))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.handleLogin)
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/logout", s.handleLogout)

		r.Post("/proxies/register", s.handleRegisterProxy)
		r.With(s.requireProxy).Post("/proxies/{id}/heartbeat", s.handleHeartbeat)

		r.Group(func(r chi.Router) {
			r.Use(s.requireOperator)

			r.Post("/clusters", s.handleCreateCluster)
			r.Get("/clusters", s.handleListClusters)
			r.Get("/clusters/{id}", s.handleGetCluster)
			r.Delete("/clusters/{id}", s.handleDeleteCluster)
			r.Post("/clusters/{id}/rotate-key", s.handleRotateKey)

			r.Post("/clusters/{id}/services", s.handleCreateService)
			r.Get("/clusters/{id}/services", s.handleListServices)
			r.Get("/clusters/{id}/services/{sid}", s.handleGetService)
			r.Put("/clusters/{id}/services/{sid}", s.handleUpdateService)
			r.Delete("/clusters/{id}/services/{sid}", s.handleDeleteService)

			r.Post("/clusters/{id}/mappings", s.handleCreateMapping)
			r.Get("/clusters/{id}/mappings", s.handleListMappings)
			r.Get("/clusters/{id}/mappings/{mid}", s.handleGetMapping)
			r.Put("/clusters/{id}/mappings/{mid}", s.handleUpdateMapping)
			r.Delete("/clusters/{id}/mappings/{mid}", s.handleDeleteMapping)

			r.Get("/clusters/{id}/proxies", s.handleListProxies)
			r.Post("/proxies/{id}/revoke", s.handleRevokeProxy)

			r.Post("/clusters/{id}/ca/rotate", s.handleRotateCA)
			r.Get("/clusters/{id}/certs", s.handleListCerts)
			r.Post("/clusters/{id}/certs/{cid}/revoke", s.handleRevokeCert)

			r.Post("/users", s.handleCreateUser)
			r.Get("/users", s.handleListUsers)
			r.Post("/users/{id}/role", s.handleAssignRole)
			r.Post("/users/{id}/lock", s.handleLockUser)
			r.Post("/users/{id}/unlock", s.handleUnlockUser)
			r.Post("/users/{id}/totp", s.handleEnableTOTP)

			r.Get("/audit", s.handleListAudit)
		})
	})
	return r
}

// Start begins serving; it blocks until the listener fails or is shut
// down.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Bind,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.ready.Store(true)
	log.WithComponent("api").Info().Str("bind", s.cfg.Bind).Msg("rest listener starting")

	var err error
	if s.cfg.TLSCert != "" && s.cfg.TLSKey != "" {
		err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// validationError converts validator output into the envelope's
// field-level details.
func (s *Server) validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		details := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			details[strings.ToLower(fe.Field())] = fe.Tag()
		}
		return errdef.New(errdef.KindValidation, "invalid request").WithDetails(details)
	}
	return errdef.Wrap(errdef.KindValidation, "invalid request", err)
}

// --- Auth ---

type loginRequest struct {
	Login    string `json:"login" validate:"required"`
	Password string `json:"password" validate:"required"`
	TOTPCode string `json:"totp_code,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, s.validationError(err))
		return
	}
	pair, err := s.auth.Login(r.Context(), req.Login, req.Password, req.TOTPCode, r.RemoteAddr)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, s.validationError(err))
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.auth.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Clusters ---

type createClusterRequest struct {
	Name string     `json:"name" validate:"required"`
	Tier types.Tier `json:"tier" validate:"required"`
}

type clusterWithKey struct {
	Cluster *types.Cluster `json:"cluster"`
	APIKey  string         `json:"api_key"`
}

func (s *Server) handleCreateCluster(w http.ResponseWriter, r *http.Request) {
	claims := s.requireGlobalAdmin(w, r)
	if claims == nil {
		return
	}
	var req createClusterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, s.validationError(err))
		return
	}
	cluster, key, err := s.manager.CreateCluster(r.Context(), claims.Login, req.Name, req.Tier)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, clusterWithKey{Cluster: cluster, APIKey: key})
}

func (s *Server) handleListClusters(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	clusters, err := s.manager.ListClusters()
	if err != nil {
		writeError(w, r, err)
		return
	}
	// Non-global operators see only the clusters their roles reach.
	if !auth.IsGlobalAdmin(claims) {
		visible := clusters[:0]
		for _, c := range clusters {
			if _, ok := claims.Roles[c.ID]; ok {
				visible = append(visible, c)
			}
		}
		clusters = visible
	}
	writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) handleGetCluster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.authorize(w, r, auth.ActionRead, id) == nil {
		return
	}
	cluster, err := s.manager.GetCluster(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cluster)
}

func (s *Server) handleDeleteCluster(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionAdmin, id)
	if claims == nil {
		return
	}
	if err := s.manager.DeleteCluster(r.Context(), claims.Login, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionAdmin, id)
	if claims == nil {
		return
	}
	cluster, key, err := s.manager.RotateClusterKey(r.Context(), claims.Login, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clusterWithKey{Cluster: cluster, APIKey: key})
}

// --- Services ---

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionWriteService, id)
	if claims == nil {
		return
	}
	var spec manager.ServiceSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := s.manager.CreateService(r.Context(), claims.Login, id, &spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, svc)
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.authorize(w, r, auth.ActionRead, id) == nil {
		return
	}
	services, err := s.manager.ListServices(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, services)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.authorize(w, r, auth.ActionRead, id) == nil {
		return
	}
	svc, err := s.manager.GetService(id, chi.URLParam(r, "sid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

type updateServiceRequest struct {
	manager.ServiceSpec
	ExpectedVersion int64 `json:"expected_version"`
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionWriteService, id)
	if claims == nil {
		return
	}
	var req updateServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	svc, err := s.manager.UpdateService(r.Context(), claims.Login, id, chi.URLParam(r, "sid"), &req.ServiceSpec, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, svc)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionWriteService, id)
	if claims == nil {
		return
	}
	cascade := r.URL.Query().Get("cascade") == "true"
	if err := s.manager.DeleteService(r.Context(), claims.Login, id, chi.URLParam(r, "sid"), cascade); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Mappings ---

func (s *Server) handleCreateMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionWriteService, id)
	if claims == nil {
		return
	}
	var spec manager.MappingSpec
	if err := decodeJSON(r, &spec); err != nil {
		writeError(w, r, err)
		return
	}
	mp, err := s.manager.CreateMapping(r.Context(), claims.Login, id, &spec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mp)
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.authorize(w, r, auth.ActionRead, id) == nil {
		return
	}
	mappings, err := s.manager.ListMappings(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mappings)
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.authorize(w, r, auth.ActionRead, id) == nil {
		return
	}
	mp, err := s.manager.GetMapping(id, chi.URLParam(r, "mid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mp)
}

type updateMappingRequest struct {
	manager.MappingSpec
	ExpectedVersion int64 `json:"expected_version"`
}

func (s *Server) handleUpdateMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionWriteService, id)
	if claims == nil {
		return
	}
	var req updateMappingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	mp, err := s.manager.UpdateMapping(r.Context(), claims.Login, id, chi.URLParam(r, "mid"), &req.MappingSpec, req.ExpectedVersion)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mp)
}

func (s *Server) handleDeleteMapping(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionWriteService, id)
	if claims == nil {
		return
	}
	if err := s.manager.DeleteMapping(r.Context(), claims.Login, id, chi.URLParam(r, "mid")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Proxies ---

func (s *Server) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	var req manager.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, s.validationError(err))
		return
	}
	res, err := s.manager.RegisterProxy(r.Context(), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record := proxyTokenFrom(r.Context())
	if record == nil || record.ProxyID != id {
		writeError(w, r, errdef.New(errdef.KindAuthorization, "token not bound to this proxy"))
		return
	}
	var req manager.HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := s.manager.ProxyHeartbeat(r.Context(), id, &req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProxies(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.authorize(w, r, auth.ActionRead, id) == nil {
		return
	}
	proxies, err := s.manager.ListProxies(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, proxies)
}

type revokeRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleRevokeProxy(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	proxy, err := s.manager.GetProxy(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	claims := s.authorize(w, r, auth.ActionAdmin, proxy.ClusterID)
	if claims == nil {
		return
	}
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.manager.RevokeProxy(r.Context(), claims.Login, id, req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- CA & certificates ---

func (s *Server) handleRotateCA(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionAdmin, id)
	if claims == nil {
		return
	}
	newCA, err := s.manager.RotateCA(r.Context(), claims.Login, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newCA)
}

func (s *Server) handleListCerts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if s.authorize(w, r, auth.ActionRead, id) == nil {
		return
	}
	certs, err := s.manager.ListCertificates(id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, certs)
}

func (s *Server) handleRevokeCert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	claims := s.authorize(w, r, auth.ActionAdmin, id)
	if claims == nil {
		return
	}
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.manager.RevokeCertificate(r.Context(), claims.Login, chi.URLParam(r, "cid"), req.Reason); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Users ---

type createUserRequest struct {
	Login    string                `json:"login" validate:"required"`
	Password string                `json:"password" validate:"required,min=12"`
	Roles    map[string]types.Role `json:"roles,omitempty"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	claims := s.requireGlobalAdmin(w, r)
	if claims == nil {
		return
	}
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, s.validationError(err))
		return
	}
	user, err := s.manager.CreateUser(r.Context(), claims.Login, req.Login, req.Password, req.Roles)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	if s.requireGlobalAdmin(w, r) == nil {
		return
	}
	users, err := s.manager.ListUsers()
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

type assignRoleRequest struct {
	Scope string     `json:"scope" validate:"required"`
	Role  types.Role `json:"role"`
}

func (s *Server) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	claims := s.requireGlobalAdmin(w, r)
	if claims == nil {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		writeError(w, r, s.validationError(err))
		return
	}
	user, err := s.manager.AssignRole(r.Context(), claims.Login, chi.URLParam(r, "id"), req.Scope, req.Role)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleLockUser(w http.ResponseWriter, r *http.Request) {
	s.setUserLock(w, r, true)
}

func (s *Server) handleUnlockUser(w http.ResponseWriter, r *http.Request) {
	s.setUserLock(w, r, false)
}

func (s *Server) setUserLock(w http.ResponseWriter, r *http.Request, locked bool) {
	claims := s.requireGlobalAdmin(w, r)
	if claims == nil {
		return
	}
	user, err := s.manager.SetUserLock(r.Context(), claims.Login, chi.URLParam(r, "id"), locked)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleEnableTOTP(w http.ResponseWriter, r *http.Request) {
	claims := s.requireGlobalAdmin(w, r)
	if claims == nil {
		return
	}
	secret, err := s.manager.EnableTOTP(r.Context(), claims.Login, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"totp_secret": secret})
}

// --- Audit ---

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	clusterID := r.URL.Query().Get("cluster_id")
	if clusterID == "" {
		if s.requireGlobalAdmin(w, r) == nil {
			return
		}
	} else if s.authorize(w, r, auth.ActionAdmin, clusterID) == nil {
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, r, errdef.New(errdef.KindValidation, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	events, err := s.store.ListAudit(clusterID, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}
