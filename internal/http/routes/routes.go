package routes

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/fwippe/orderlens/internal/assets"
	"github.com/fwippe/orderlens/internal/cache"
	"github.com/fwippe/orderlens/internal/config"
	appmw "github.com/fwippe/orderlens/internal/http/middleware"
	"github.com/fwippe/orderlens/internal/precache"
)

// Fetcher is the facade's view of the remote asset fetcher.
type Fetcher interface {
	Fetch(ctx context.Context, assetID string) (assets.Asset, error)
}

// TokenConnector persists credentials obtained through the connect flow.
// Satisfied by *assets.TokenManager.
type TokenConnector interface {
	SetTokens(ctx context.Context, access, refresh string, expiresAt time.Time) error
}

type Server struct {
	Router       *chi.Mux
	Cache        *cache.TwoTier
	Fetcher      Fetcher
	Job          *precache.Job
	Tokens       TokenConnector
	ProviderConf *oauth2.Config
	StateSecret  string // for signing the oauth2 state param
	Log          zerolog.Logger
}

type ServerOptions struct {
	Cache   *cache.TwoTier
	Fetcher Fetcher
	Job     *precache.Job
	Tokens  TokenConnector
	Cfg     config.Config
	Log     zerolog.Logger
}

func New(opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	s := &Server{
		Router:      r,
		Cache:       opts.Cache,
		Fetcher:     opts.Fetcher,
		Job:         opts.Job,
		Tokens:      opts.Tokens,
		StateSecret: opts.Cfg.StateSecret,
		Log:         opts.Log,
	}
	s.ProviderConf = &oauth2.Config{
		ClientID:     opts.Cfg.Assets.ClientID,
		ClientSecret: opts.Cfg.Assets.ClientSecret,
		RedirectURL:  opts.Cfg.BaseURL + "/oauth/provider/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:  opts.Cfg.Assets.AuthURL,
			TokenURL: opts.Cfg.Assets.TokenURL,
		},
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := w.Write([]byte("ok")); err != nil {
			s.Log.Error().Err(err).Msg("write health check response")
		}
	})

	r.Get("/asset/{assetID}", s.handleAsset)
	r.Get("/precache/status", s.handlePrecacheStatus)
	r.Get("/cache/stats", s.handleCacheStats)
	r.Get("/oauth/provider", s.handleProviderStart)
	r.Get("/oauth/provider/callback", s.handleProviderCallback)

	r.Group(func(pr chi.Router) {
		pr.Use(appmw.RequireToken(opts.Cfg.AdminToken))
		pr.Post("/precache/start", s.handlePrecacheStart)
	})

	return s
}

type errorBody struct {
	Error   string `json:"error"`
	AssetID string `json:"asset_id,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Log.Error().Err(err).Msg("encode json response")
	}
}

// ---- Provider connect flow

func (s *Server) handleProviderStart(w http.ResponseWriter, r *http.Request) {
	if s.ProviderConf.Endpoint.AuthURL == "" {
		http.Error(w, "provider connect flow not configured", http.StatusServiceUnavailable)
		return
	}
	state := s.signState(uuid.NewString(), time.Now().Add(30*time.Minute))
	http.Redirect(w, r, s.ProviderConf.AuthCodeURL(state), http.StatusFound)
}

func (s *Server) handleProviderCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if _, ok := s.verifyState(state); !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	tok, err := s.ProviderConf.Exchange(r.Context(), code)
	if err != nil {
		s.Log.Error().Err(err).Msg("provider token exchange failed")
		http.Error(w, "could not exchange token", http.StatusInternalServerError)
		return
	}

	if err := s.Tokens.SetTokens(r.Context(), tok.AccessToken, tok.RefreshToken, tok.Expiry); err != nil {
		s.Log.Error().Err(err).Msg("persist provider token failed")
		http.Error(w, "could not save token", http.StatusInternalServerError)
		return
	}

	s.Log.Info().Msg("asset provider connected")
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := w.Write([]byte("Asset provider connected. You can close this window.")); err != nil {
		s.Log.Error().Err(err).Msg("write connect response")
	}
}

func (s *Server) signState(nonce string, exp time.Time) string {
	msg := nonce + "|" + strconv.FormatInt(exp.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(s.StateSecret))
	mac.Write([]byte(msg))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	pl := base64.RawURLEncoding.EncodeToString([]byte(msg))
	return pl + "." + sig
}

func (s *Server) verifyState(state string) (nonce string, ok bool) {
	parts := strings.SplitN(state, ".", 2)
	if len(parts) != 2 {
		return
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return
	}

	mac := hmac.New(sha256.New, []byte(s.StateSecret))
	mac.Write(payload)

	expected := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(parts[1])) {
		return
	}

	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 {
		return
	}

	nonce = fields[0]
	expUnix, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil {
		return
	}

	if time.Now().After(time.Unix(expUnix, 0)) {
		return
	}

	ok = true
	return
}
