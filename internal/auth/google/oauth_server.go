package google

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/livecheck/livecheck/internal/misc"
	log "github.com/sirupsen/logrus"
)

// CallbackResult is the outcome of the single redirect the listener accepts.
type CallbackResult struct {
	// Code is the authorization code when Err is nil.
	Code string
	// Err is ErrStateMismatch, an *OAuthError or a missing-code error.
	Err error
}

// CallbackServer is a one-shot loopback listener for the OAuth redirect. It binds an
// ephemeral port on 127.0.0.1, answers exactly one request on "/" and then shuts
// itself down regardless of the outcome.
type CallbackServer struct {
	expectedState string
	listener      net.Listener
	server        *http.Server
	resultChan    chan CallbackResult
	handled       sync.Once
	stopOnce      sync.Once
	done          chan struct{}
}

// StartCallbackServer binds 127.0.0.1:0 and starts serving. The redirect must
// carry expectedState or the result is ErrStateMismatch.
func StartCallbackServer(expectedState string) (*CallbackServer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, NewAuthenticationError(ErrServerStartFailed, err)
	}

	s := &CallbackServer{
		expectedState: expectedState,
		listener:      listener,
		resultChan:    make(chan CallbackResult, 1),
		done:          make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleCallback)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		defer close(s.done)
		if errServe := s.server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			log.Errorf("oauth callback server failed: %v", errServe)
		}
	}()

	log.Debugf("oauth callback server listening on %s", listener.Addr())
	return s, nil
}

// RedirectURL is the redirect_uri to register in the authorization request,
// http://127.0.0.1:<port> with no path.
func (s *CallbackServer) RedirectURL() string {
	return fmt.Sprintf("http://%s", s.listener.Addr().String())
}

// Result delivers the single callback outcome.
func (s *CallbackServer) Result() <-chan CallbackResult {
	return s.resultChan
}

// Stop shuts the listener down. It is idempotent and safe to call concurrently.
func (s *CallbackServer) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Debugf("oauth callback server shutdown: %v", err)
			_ = s.server.Close()
		}
		<-s.done
		log.Debug("oauth callback server stopped")
	})
}

func (s *CallbackServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	served := false
	s.handled.Do(func() {
		served = true
		result := s.evaluate(r)

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Connection", "close")
		if result.Err != nil {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(renderCallbackPage(false, GetUserFriendlyMessage(result.Err))))
		} else {
			_, _ = w.Write([]byte(renderCallbackPage(true, "You can close this window and return to LiveCheck.")))
		}

		select {
		case s.resultChan <- result:
		default:
			log.Warn("oauth result channel is full, result dropped")
		}
		go s.Stop(context.Background())
	})
	if !served {
		http.Error(w, "authorization already handled", http.StatusGone)
	}
}

func (s *CallbackServer) evaluate(r *http.Request) CallbackResult {
	if r.Method != http.MethodGet {
		return CallbackResult{Err: fmt.Errorf("unexpected callback method %s", r.Method)}
	}
	cb := misc.CallbackFromQuery(r.URL.Query())
	if cb.State != s.expectedState {
		log.Warn("oauth callback state mismatch")
		return CallbackResult{Err: ErrStateMismatch}
	}
	if cb.Error != "" {
		log.Errorf("oauth error received: %s", cb.Error)
		return CallbackResult{Err: NewOAuthError(cb.Error, cb.ErrorDescription, http.StatusBadRequest)}
	}
	if cb.Code == "" {
		return CallbackResult{Err: NewAuthenticationError(ErrCodeExchangeFailed, errors.New("no authorization code received"))}
	}
	return CallbackResult{Code: cb.Code}
}
