package api

import (
	"net/http"

	"github.com/ernie/tapledger/internal/auth"
	"github.com/ernie/tapledger/internal/events"
	"github.com/ernie/tapledger/internal/ledger"
	"github.com/ernie/tapledger/internal/storage"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux     *http.ServeMux
	store   *storage.Store
	ledger  *ledger.Service
	bus     *events.Bus
	feed    *FeedHub
	auth    *auth.Service
	limiter *ipLimiter

	cancelFeed func()
}

// NewRouter creates a new HTTP router. requestsPerSecond <= 0 disables
// rate limiting of the game endpoints.
func NewRouter(store *storage.Store, ledgerService *ledger.Service, bus *events.Bus, authService *auth.Service, requestsPerSecond float64, burst int) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		store:   store,
		ledger:  ledgerService,
		bus:     bus,
		feed:    NewFeedHub(),
		auth:    authService,
		limiter: newIPLimiter(requestsPerSecond, burst),
	}

	// Game routes
	r.mux.HandleFunc("POST /api/init", r.rateLimit(r.handleInit))
	r.mux.HandleFunc("POST /api/sync", r.rateLimit(r.handleSync))
	r.mux.HandleFunc("GET /api/tasks", r.handleGetTasks)
	r.mux.HandleFunc("POST /api/tasks/complete", r.rateLimit(r.handleCompleteTask))

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("POST /api/auth/logout", r.handleLogout)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)
	r.mux.HandleFunc("POST /api/auth/change-password", r.requireAuth(r.handleChangePassword))

	// Account administration (admin only)
	r.mux.HandleFunc("GET /api/admin/accounts", r.requireAdmin(r.handleListAccounts))
	r.mux.HandleFunc("GET /api/admin/accounts/{id}", r.requireAdmin(r.handleGetAccount))
	r.mux.HandleFunc("GET /api/admin/accounts/{id}/referrals", r.requireAdmin(r.handleGetReferrals))
	r.mux.HandleFunc("POST /api/admin/accounts/{id}/balance", r.requireAdmin(r.handleUpdateBalance))
	r.mux.HandleFunc("POST /api/admin/accounts/{id}/ban", r.requireAdmin(r.handleSetBanned))
	r.mux.HandleFunc("DELETE /api/admin/accounts/{id}", r.requireAdmin(r.handleDeleteAccount))

	// Operator management routes (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/users/{username}", r.requireAdmin(r.handleDeleteUser))
	r.mux.HandleFunc("POST /api/users/{id}/reset-password", r.requireAdmin(r.handleResetUserPassword))

	// Live ledger feed (admin token in the query string)
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartFeed starts forwarding ledger events to feed clients
func (r *Router) StartFeed() {
	go r.feed.Run()

	if r.bus == nil {
		return
	}
	ch, cancel := r.bus.Subscribe(256)
	r.cancelFeed = cancel

	go func() {
		for event := range ch {
			r.feed.Broadcast(event)
		}
	}()
}

// Shutdown stops the event feed and disconnects WebSocket clients
func (r *Router) Shutdown() {
	if r.cancelFeed != nil {
		r.cancelFeed()
	}
	r.feed.Stop()
}
