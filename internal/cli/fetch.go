package cli

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ambiyansyah-risyal/revalida"
)

var (
	flagHeaders []string
	flagInclude bool
)

var getCmd = newFetchCmd(http.MethodGet)
var headCmd = newFetchCmd(http.MethodHead)
var optionsCmd = newFetchCmd(http.MethodOptions)

func newFetchCmd(method string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   strings.ToLower(method) + " URL",
		Short: fmt.Sprintf("Fetch URL with %s through the cache", method),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, method, args[0])
		},
	}
	cmd.Flags().StringArrayVarP(&flagHeaders, "header", "H", nil, "Request header 'Name: value' (repeatable)")
	cmd.Flags().BoolVarP(&flagInclude, "include", "i", false, "Print status and response headers")
	return cmd
}

func runFetch(cmd *cobra.Command, method, url string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	headers, err := parseHeaders(flagHeaders)
	if err != nil {
		exitCode = ExitUsageError
		return err
	}
	for name, value := range cfg.Headers {
		if _, ok := headers[name]; !ok {
			headers[name] = value
		}
	}

	logger := newLogger(cmd.ErrOrStderr())
	client, err := newClient(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	resp, err := client.Do(cmd.Context(), &revalida.Request{Method: method, URL: url, Header: headers})
	if err != nil {
		var clientErr *revalida.ClientError
		if errors.As(err, &clientErr) && clientErr.Type == revalida.ErrorTypeValidation {
			exitCode = ExitUsageError
		}
		return err
	}

	out := cmd.OutOrStdout()
	if flagInclude {
		writeHead(out, resp)
	}
	if _, err := out.Write(resp.Body); err != nil {
		return err
	}
	if resp.Absent() {
		exitCode = ExitAbsent
	}
	return nil
}

func writeHead(w io.Writer, resp *revalida.Response) {
	fmt.Fprintf(w, "HTTP %d %s\n", resp.StatusCode, http.StatusText(resp.StatusCode))
	names := make([]string, 0, len(resp.Header))
	for name := range resp.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "%s: %s\n", name, resp.Header[name])
	}
	fmt.Fprintln(w)
}

// parseHeaders turns "Name: value" pairs into a header map.
func parseHeaders(raw []string) (map[string]string, error) {
	headers := make(map[string]string, len(raw))
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q, want 'Name: value'", h)
		}
		headers[name] = strings.TrimSpace(value)
	}
	return headers, nil
}
