package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/brandur/signpost/internal/spannounce"
)

// Announcements are meant to be short. This is generous.
const MaxRequestSize = 64 * 1024

const shutdownTimeout = 10 * time.Second

const (
	MessageAnnouncementDeleted = "Announcement deleted successfully"
	MessageAnnouncementSet     = "Announcement set successfully"
	MessageWelcome             = "Welcome to Signpost"
)

type Server struct {
	announcementStore *spannounce.Store
	denyList          DenyList
	gate              *spannounce.Gate
	httpServer        *http.Server
	logger            *logrus.Logger
	router            *mux.Router
}

func NewServer(logger *logrus.Logger, announcementStore *spannounce.Store, gate *spannounce.Gate, denyList DenyList, port int, requestTimeout time.Duration) *Server { //nolint:lll
	server := &Server{
		announcementStore: announcementStore,
		denyList:          denyList,
		gate:              gate,
		logger:            logger,
	}

	router := mux.NewRouter()
	router.Use(NewInspectableWriterMiddleware().Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Use(NewTimeoutMiddleware(requestTimeout).Wrapper)

	router.Handle("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/public", server.wrapEndpoint(server.handlePublic)).Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/announcement/set", server.wrapEndpoint(server.handleSet)).
		Methods(http.MethodPost, http.MethodOptions)
	router.Handle("/announcement/get/{key}", server.wrapEndpoint(server.handleGet)).
		Methods(http.MethodGet, http.MethodOptions)
	router.Handle("/announcement/delete", server.wrapEndpoint(server.handleDelete)).
		Methods(http.MethodPost, http.MethodDelete, http.MethodOptions)
	router.NotFoundHandler = server.wrapEndpoint(server.handleNotFound)

	server.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.logger.Infof("Listening on %s", s.httpServer.Addr)

		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		return err

	case <-ctx.Done():
	}

	s.logger.Infof("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil { //nolint:contextcheck
		return xerrors.Errorf("error shutting down HTTP server: %w", err)
	}

	return nil
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, &messageResponse{Message: MessageWelcome}, nil), nil
}

func (s *Server) handleNotFound(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return nil, NewServerError(http.StatusNotFound, ErrMessageRouteNotFound)
}

// Lets clients know whether they need to prompt for a master password.
func (s *Server) handlePublic(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, &publicResponse{Public: s.gate.AllowPublicAccess()}, nil), nil
}

type setRequest struct {
	Key            string `json:"key"`
	Value          string `json:"value"`
	Secret         string `json:"secret"`
	Public         *bool  `json:"public"`
	Expiry         *int64 `json:"expiry"`
	MasterPassword string `json:"master_password"`

	// Older web clients send the expiry (in seconds) under this name.
	ExpiresAt *int64 `json:"expires_at"`
}

func (s *Server) handleSet(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var req setRequest
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}

	if req.Key == "" {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageKeyMissing)
	}

	if s.denyList.Contains(req.Key) {
		return nil, NewServerError(http.StatusForbidden, ErrMessageDeniedKey)
	}

	expiry := req.Expiry
	if expiry == nil {
		expiry = req.ExpiresAt
	}

	err := s.announcementStore.Set(ctx, &spannounce.SetParams{
		Key:            req.Key,
		Content:        req.Value,
		Secret:         req.Secret,
		Public:         req.Public,
		ExpirySeconds:  expiry,
		MasterPassword: req.MasterPassword,
	})
	if err != nil {
		return nil, s.translateError(err)
	}

	return NewServerResponse(http.StatusOK, &messageResponse{Message: MessageAnnouncementSet}, nil), nil
}

func (s *Server) handleGet(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	key := mux.Vars(r)["key"]

	secret := r.URL.Query().Get("secret")
	if secret == "" {
		secret = r.Header.Get("Secret")
	}

	view, err := s.announcementStore.Get(ctx, key, secret)
	if err != nil {
		return nil, s.translateError(err)
	}

	return NewServerResponse(http.StatusOK, view, nil), nil
}

type deleteRequest struct {
	Key            string `json:"key"`
	Secret         string `json:"secret"`
	MasterPassword string `json:"master_password"`
}

func (s *Server) handleDelete(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	var req deleteRequest
	if err := decodeRequest(r, &req); err != nil {
		return nil, err
	}

	if req.Key == "" {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageKeyMissing)
	}

	if err := s.announcementStore.Delete(ctx, req.Key, req.Secret, req.MasterPassword); err != nil {
		return nil, s.translateError(err)
	}

	return NewServerResponse(http.StatusOK, &messageResponse{Message: MessageAnnouncementDeleted}, nil), nil
}

// Maps announcement errors to responses. Anything unrecognized is passed
// through to become a 500.
func (s *Server) translateError(err error) error {
	switch {
	case errors.Is(err, spannounce.ErrNotFound):
		return NewServerError(http.StatusNotFound, ErrMessageNotFound)
	case errors.Is(err, spannounce.ErrUnauthorized):
		return NewServerError(http.StatusUnauthorized, ErrMessageUnauthorized)
	case errors.Is(err, spannounce.ErrForbidden):
		return NewServerError(http.StatusForbidden, ErrMessageForbidden)
	case errors.Is(err, spannounce.ErrInvalidSecret):
		return NewServerError(http.StatusUnauthorized, ErrMessageInvalidSecret)
	case errors.Is(err, spannounce.ErrInvalidExpiry):
		return NewServerError(http.StatusBadRequest, ErrMessageInvalidExpiry)
	case errors.Is(err, spannounce.ErrConflict):
		return NewServerError(http.StatusConflict, ErrMessageConflict)
	case errors.Is(err, spannounce.ErrBackendUnavailable):
		s.logger.Errorf("Backend error: %v", err)
		return NewServerError(http.StatusServiceUnavailable, ErrMessageBackendUnavailable)
	}

	return err
}

func decodeRequest(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestSize+1))
	if err != nil {
		return xerrors.Errorf("error reading request body: %w", err)
	}

	if len(body) > MaxRequestSize {
		return NewServerError(http.StatusRequestEntityTooLarge, ErrMessageRequestTooLarge)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return NewServerError(http.StatusBadRequest, ErrMessageInvalidBody)
	}

	return nil
}

type messageResponse struct {
	Message string `json:"message"`
}

type publicResponse struct {
	Public bool `json:"public"`
}

type ServerResponse struct {
	// Encoded to JSON.
	Body       any
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body any, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, err := h(r.Context(), r)
		if err != nil {
			var serverErr *ServerError
			if !errors.As(err, &serverErr) {
				s.logger.Errorf("Internal error: %v", err)
				serverErr = NewServerError(http.StatusInternalServerError, ErrMessageInternalError)
			}

			writeJSON(w, serverErr.StatusCode, &messageResponse{Message: serverErr.Message})
			return
		}

		for k, vs := range resp.Header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}

		statusCode := resp.StatusCode
		if statusCode == 0 {
			statusCode = http.StatusOK
		}

		writeJSON(w, statusCode, resp.Body)
	})
}
