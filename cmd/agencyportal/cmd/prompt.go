package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/agencyportal/client"
	"github.com/jmcleod/agencyportal/errmap"
)

var (
	portalURL      string
	insecureTLS    bool
	requestTimeout time.Duration
)

// prompter reads answers from the command's input. Secrets are read
// without echo when the input is a terminal.
type prompter struct {
	in  *bufio.Reader
	out io.Writer
	fd  int
	tty bool
}

func newPrompter(cmd *cobra.Command) *prompter {
	p := &prompter{
		in:  bufio.NewReader(cmd.InOrStdin()),
		out: cmd.OutOrStdout(),
		fd:  -1,
	}
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd, p.tty = int(f.Fd()), true
	}
	return p
}

func (p *prompter) line(label string) (string, error) {
	fmt.Fprint(p.out, label)
	s, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && s != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// secret is returned exactly as typed; only the line ending is removed.
func (p *prompter) secret(label string) (string, error) {
	if !p.tty {
		return p.line(label)
	}
	fmt.Fprint(p.out, label)
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	return string(b), nil
}

func (p *prompter) confirm(label string) (bool, error) {
	s, err := p.line(label + " [y/N] ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// newPortalClient builds a client from the shared portal flags.
func newPortalClient() (*client.Client, error) {
	var opts []client.Option
	if insecureTLS {
		opts = append(opts, client.WithInsecureTLS())
	}
	if requestTimeout > 0 {
		opts = append(opts, client.WithTimeout(requestTimeout))
	}
	return client.New(portalURL, opts...)
}

// userError turns a mapped failure into its user-facing message.
func userError(err error) error {
	var f *errmap.Failure
	if errors.As(err, &f) {
		return errors.New(f.Message)
	}
	return err
}

func addPortalFlags(cmd *cobra.Command) {
	def := os.Getenv("PORTAL_URL")
	if def == "" {
		def = "https://localhost:8443"
	}
	cmd.PersistentFlags().StringVar(&portalURL, "portal", def, "Portal base URL (env PORTAL_URL)")
	cmd.PersistentFlags().BoolVarP(&insecureTLS, "insecure", "k", false, "Skip TLS verification (self-signed development certificates)")
	cmd.PersistentFlags().DurationVar(&requestTimeout, "timeout", 0, "Per-request timeout, e.g. 30s")
}
