// Package console is the operator-facing command loop: it logs in, shows session
// state, and issues authenticated calls through the gateway.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"dispatch-admin/console/internal/gateway"
	"dispatch-admin/console/internal/health"
	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/session/state"
)

const maxBodyPrint = 4 << 10

// Authenticator exchanges a password for credentials. *authapi.Client implements it.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (domain.Credentials, error)
}

// Session is the slice of *state.Store the console drives.
type Session interface {
	Snapshot() domain.Session
	Login(ctx context.Context, creds domain.Credentials, rememberMe bool) error
	Logout(ctx context.Context, reason domain.LogoutReason) error
	ClearSessionExpired()
	Subscribe(l state.Listener) (unsubscribe func())
	LastActivity(ctx context.Context) (time.Time, bool, error)
}

// Refresher reports whether background refresh is active. *refresh.Scheduler implements it.
type Refresher interface {
	Running() bool
}

// Checker reports dependency readiness. *health.Checker implements it.
type Checker interface {
	Check(ctx context.Context) health.Report
}

// Options configures a REPL.
type Options struct {
	Auth    Authenticator
	Session Session
	// HTTP sends business calls; its transport is the gateway.
	HTTP    *http.Client
	BaseURL string
	// Health backs the health command; optional.
	Health Checker
	// AutoRefresh is shown by status; optional.
	AutoRefresh Refresher
	// GRPCHealth and GRPCDrivers are optional; they back the grpc-health and
	// grpc-drivers commands.
	GRPCHealth  func(ctx context.Context) (string, error)
	GRPCDrivers func(ctx context.Context) (string, error)
	Clock       clock.Clock
	In          io.Reader
	Out         io.Writer
	Logger      *zap.Logger
}

// REPL reads one command per line.
type REPL struct {
	auth        Authenticator
	session     Session
	http        *http.Client
	baseURL     string
	health      Checker
	autoRefresh Refresher
	grpcHealth  func(ctx context.Context) (string, error)
	grpcDrivers func(ctx context.Context) (string, error)
	clock       clock.Clock
	in          io.Reader
	logger      *zap.Logger

	outMu sync.Mutex
	out   io.Writer

	// authenticated as of the last transition seen by the listener
	wasAuthenticated bool
}

// New returns a REPL. Call Run to start reading.
func New(opts Options) *REPL {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &REPL{
		auth:        opts.Auth,
		session:     opts.Session,
		http:        opts.HTTP,
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		health:      opts.Health,
		autoRefresh: opts.AutoRefresh,
		grpcHealth:  opts.GRPCHealth,
		grpcDrivers: opts.GRPCDrivers,
		clock:       clock.OrSystem(opts.Clock),
		in:          opts.In,
		out:         opts.Out,
		logger:      logger.With(zap.String("component", "console")),
	}
}

// Run prints the session state, then executes commands until EOF, quit, or ctx is done.
func (r *REPL) Run(ctx context.Context) error {
	r.wasAuthenticated = r.session.Snapshot().IsAuthenticated
	unsubscribe := r.session.Subscribe(r.onTransition)
	defer unsubscribe()

	r.printStatus(ctx)
	lines := make(chan string)
	errc := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r.in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		errc <- sc.Err()
	}()

	for {
		r.printf("> ")
		select {
		case <-ctx.Done():
			return nil
		case err := <-errc:
			return err
		case line := <-lines:
			if err := r.Exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				r.printf("error: %v\n", err)
			}
		}
	}
}

var (
	errQuit   = errors.New("quit")
	errNoGRPC = errors.New("no gRPC target configured (GRPC_TARGET)")
)

// Exec runs one command line.
func (r *REPL) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "login":
		return r.login(ctx, args)
	case "logout":
		if err := r.session.Logout(ctx, domain.ReasonManual); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		r.printf("logged out\n")
	case "status":
		r.printStatus(ctx)
	case "get":
		if len(args) != 1 {
			return errors.New("usage: get <path>")
		}
		return r.get(ctx, args[0])
	case "clear-expired":
		r.session.ClearSessionExpired()
		r.printStatus(ctx)
	case "health":
		if r.health == nil {
			return errors.New("no health checks configured")
		}
		r.printf("%s\n", r.health.Check(ctx))
	case "grpc-health":
		if r.grpcHealth == nil {
			return errNoGRPC
		}
		st, err := r.grpcHealth(ctx)
		if err != nil {
			return err
		}
		r.printf("grpc health: %s\n", st)
	case "grpc-drivers":
		if r.grpcDrivers == nil {
			return errNoGRPC
		}
		body, err := r.grpcDrivers(ctx)
		if err != nil {
			return describeCallErr(err)
		}
		r.printf("%s\n", body)
	case "help":
		r.printf("commands: login <email> <password> [--remember], logout, status, get <path>, clear-expired, health, grpc-health, grpc-drivers, quit\n")
	case "quit", "exit":
		return errQuit
	default:
		return fmt.Errorf("unknown command %q (try help)", cmd)
	}
	return nil
}

func (r *REPL) login(ctx context.Context, args []string) error {
	rememberMe := false
	var rest []string
	for _, a := range args {
		if a == "--remember" || a == "-r" {
			rememberMe = true
			continue
		}
		rest = append(rest, a)
	}
	if len(rest) != 2 {
		return errors.New("usage: login <email> <password> [--remember]")
	}
	creds, err := r.auth.Login(ctx, rest[0], rest[1])
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := r.session.Login(ctx, creds, rememberMe); err != nil {
		return err
	}
	name := rest[0]
	if creds.User != nil && creds.User.Name != "" {
		name = creds.User.Name
	}
	r.printf("logged in as %s\n", name)
	return nil
}

func (r *REPL) get(ctx context.Context, path string) error {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.http.Do(req)
	if err != nil {
		return describeCallErr(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyPrint))
	r.printf("%s\n%s\n", resp.Status, strings.TrimSpace(string(body)))
	return nil
}

// describeCallErr turns the gateway's terminal errors into operator-facing text.
func describeCallErr(err error) error {
	var denied *gateway.DeniedError
	switch {
	case errors.As(err, &denied):
		return fmt.Errorf("access denied (%d); please login again", denied.Status)
	case errors.Is(err, gateway.ErrInvalidToken):
		return errors.New("session token is no longer valid; please login again")
	}
	return err
}

// onTransition stands in for the redirect to the login entry point: when a session
// ends with an error it tells the operator to log in again.
func (r *REPL) onTransition(s domain.Session) {
	was := r.wasAuthenticated
	r.wasAuthenticated = s.IsAuthenticated
	if was && !s.IsAuthenticated && s.Error != "" {
		r.logger.Debug("console: session ended", zap.String("state", string(s.State())))
		r.printf("\n%s\n", s.Error)
	}
}

func (r *REPL) printStatus(ctx context.Context) {
	s := r.session.Snapshot()
	switch s.State() {
	case domain.StateAuthenticated:
		who := "unknown user"
		if s.User != nil {
			who = s.User.ID
			if s.User.Email != "" {
				who = s.User.Email
			}
		}
		left := s.ExpiresAt.Sub(r.clock.Now()).Truncate(time.Second)
		r.printf("authenticated as %s (token expires in %s, remember me: %t)\n", who, left, s.RememberMe)
		if sub := security.Subject(s.Token); sub != "" {
			r.printf("  token subject: %s\n", sub)
		}
		if at, ok, err := r.session.LastActivity(ctx); err != nil {
			r.logger.Debug("console: read last activity", zap.Error(err))
		} else if ok {
			r.printf("  last activity: %s ago\n", r.clock.Now().Sub(at).Truncate(time.Second))
		}
		if r.autoRefresh != nil {
			r.printf("  auto refresh running: %t\n", r.autoRefresh.Running())
		}
	case domain.StateSessionExpired:
		r.printf("session expired: %s\n", s.Error)
	default:
		if s.Error != "" {
			r.printf("not logged in: %s\n", s.Error)
			return
		}
		r.printf("not logged in\n")
	}
}

func (r *REPL) printf(format string, args ...any) {
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}
