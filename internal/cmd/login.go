// Package cmd implements the command-line modes of the server binary: interactive
// login and logout, one-shot claim verification and the long-running service.
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/livecheck/livecheck/internal/app"
	"github.com/livecheck/livecheck/internal/auth/google"
	"github.com/livecheck/livecheck/internal/browser"
	"github.com/livecheck/livecheck/internal/config"
	log "github.com/sirupsen/logrus"
)

// LoginOptions contains options for the login flow.
type LoginOptions struct {
	// NoBrowser prints the consent URL instead of opening a browser.
	NoBrowser bool
	// Input supplies a pasted callback URL when the browser cannot reach the
	// loopback listener. Defaults to os.Stdin.
	Input io.Reader
}

// DoLogin runs the authorization code + PKCE flow and stores the refresh token.
func DoLogin(cfg *config.Config, options *LoginOptions) {
	if options == nil {
		options = &LoginOptions{}
	}
	if options.NoBrowser {
		cfg.OAuth.NoBrowser = true
	}
	if strings.TrimSpace(cfg.OAuth.ClientID) == "" {
		log.Error("oauth client-id is not configured (set oauth.client-id or LIVECHECK_CLIENT_ID)")
		return
	}

	a, err := app.New(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	attempt, err := a.BeginLogin(ctx)
	if err != nil {
		fmt.Printf("Authentication failed: %s\n", google.GetUserFriendlyMessage(err))
		return
	}
	switch attempt.Presented {
	case browser.Opened:
		fmt.Println("Opening browser for Google authentication...")
	case browser.Copied:
		fmt.Println("The authentication URL was copied to your clipboard.")
	}
	fmt.Printf("If the browser does not open, visit:\n\n  %s\n\n", attempt.URL)

	if options.NoBrowser {
		input := options.Input
		if input == nil {
			input = os.Stdin
		}
		fmt.Println("After authorizing, paste the full redirect URL here if the page could not be reached:")
		go readCallbackURL(a, input)
	}

	if err = attempt.Wait(ctx); err != nil {
		fmt.Printf("Authentication failed: %s\n", google.GetUserFriendlyMessage(err))
		log.Debugf("login: %v", err)
		return
	}
	fmt.Println("Google authentication successful!")
}

func readCallbackURL(a *app.App, input io.Reader) {
	scanner := bufio.NewScanner(input)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := a.SubmitCallbackURL(line); err != nil {
			fmt.Printf("Could not use that URL: %v\n", err)
			continue
		}
		return
	}
}

// DoLogout deletes the stored credentials.
func DoLogout(cfg *config.Config) {
	a, err := app.New(cfg)
	if err != nil {
		log.Errorf("failed to initialize: %v", err)
		return
	}
	defer a.Close()

	if err = a.Start(context.Background()); err != nil {
		log.Warnf("failed to load stored credentials: %v", err)
	}
	a.Logout()
	fmt.Println("Logged out. Stored credentials were removed.")
}
