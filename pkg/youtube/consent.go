package youtube

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	callbackPath            = "/callback"
	callbackShutdownTimeout = 5 * time.Second
)

// LoopbackConsent receives the authorization redirect on a local HTTP
// server bound to 127.0.0.1.
type LoopbackConsent struct {
	// Port to listen on. Zero picks a free port.
	Port int
	// Out receives the consent URL.
	Out io.Writer
	// OpenBrowser, if set, is called with the consent URL. A failure is
	// not fatal since the URL is also written to Out.
	OpenBrowser func(url string) error
}

// NewLoopbackConsent returns a LoopbackConsent that prints the consent URL
// to out.
func NewLoopbackConsent(port int, out io.Writer) *LoopbackConsent {
	return &LoopbackConsent{Port: port, Out: out}
}

type callbackResult struct {
	code string
	err  error
}

// Obtain implements ConsentFlow.
func (l *LoopbackConsent) Obtain(ctx context.Context, state string, authURL func(string) string) (string, string, error) {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(ctx, "tcp", fmt.Sprintf("127.0.0.1:%d", l.Port))
	if err != nil {
		return "", "", fmt.Errorf("binding loopback listener: %w", err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return "", "", errors.New("loopback listener address is not TCP")
	}
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d%s", tcpAddr.Port, callbackPath)

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		handleConsentCallback(w, r, state, resultCh)
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: callbackShutdownTimeout}
	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			deliver(resultCh, callbackResult{err: fmt.Errorf("callback server: %w", serveErr)})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), callbackShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	consentURL := authURL(redirectURL)
	if l.Out != nil {
		fmt.Fprintf(l.Out, "Open the following URL in your browser to authorize access:\n%s\n", consentURL)
	}
	if l.OpenBrowser != nil {
		_ = l.OpenBrowser(consentURL)
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", "", res.err
		}
		return res.code, redirectURL, nil
	case <-ctx.Done():
		return "", "", fmt.Errorf("waiting for authorization: %w", ctx.Err())
	}
}

func handleConsentCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	if q.Get("state") != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		deliver(resultCh, callbackResult{err: errors.New("authorization state mismatch")})
		return
	}

	if errParam := q.Get("error"); errParam != "" {
		http.Error(w, "Authorization failed: "+errParam, http.StatusBadRequest)
		if errParam == "access_denied" {
			deliver(resultCh, callbackResult{err: ErrConsentDenied})
			return
		}
		deliver(resultCh, callbackResult{err: fmt.Errorf("authorization failed: %s: %s", errParam, q.Get("error_description"))})
		return
	}

	code := q.Get("code")
	if code == "" {
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		deliver(resultCh, callbackResult{err: errors.New("callback missing authorization code")})
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<html><body><h1>Authorization complete</h1>"+
		"<p>You can close this window and return to the terminal.</p></body></html>")
	deliver(resultCh, callbackResult{code: code})
}

// deliver sends without blocking; only the first callback result counts.
func deliver(ch chan<- callbackResult, res callbackResult) {
	select {
	case ch <- res:
	default:
	}
}

// PromptConsent prints the consent URL and reads the redirect URL (or the
// bare code) pasted by the user. It suits hosts where no browser can reach
// a loopback listener.
type PromptConsent struct {
	In          io.Reader
	Out         io.Writer
	RedirectURL string
}

// Obtain implements ConsentFlow.
func (p *PromptConsent) Obtain(ctx context.Context, state string, authURL func(string) string) (string, string, error) {
	fmt.Fprintf(p.Out, "Visit the following URL in your browser and authorize the app:\n%s\n", authURL(p.RedirectURL))
	fmt.Fprint(p.Out, "Paste the URL you were redirected to: ")

	lineCh := make(chan callbackResult, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			lineCh <- callbackResult{err: fmt.Errorf("reading authorization response: %w", err)}
			return
		}
		lineCh <- callbackResult{code: strings.TrimSpace(line)}
	}()

	var input string
	select {
	case res := <-lineCh:
		if res.err != nil {
			return "", "", res.err
		}
		input = res.code
	case <-ctx.Done():
		return "", "", fmt.Errorf("waiting for authorization: %w", ctx.Err())
	}

	code, err := parsePastedResponse(input, state)
	if err != nil {
		return "", "", err
	}
	return code, p.RedirectURL, nil
}

// parsePastedResponse accepts either a full redirect URL or a bare code.
func parsePastedResponse(input, state string) (string, error) {
	if input == "" {
		return "", errors.New("authorization code not provided")
	}
	if !strings.Contains(input, "://") {
		return input, nil
	}

	parsed, err := url.Parse(input)
	if err != nil {
		return "", fmt.Errorf("parsing redirect URL: %w", err)
	}
	q := parsed.Query()
	if q.Get("error") == "access_denied" {
		return "", ErrConsentDenied
	}
	if got := q.Get("state"); got != "" && got != state {
		return "", errors.New("authorization state mismatch")
	}
	code := q.Get("code")
	if code == "" {
		return "", errors.New("authorization code not found in the URL")
	}
	return code, nil
}
