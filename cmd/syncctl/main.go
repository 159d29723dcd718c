// Command syncctl is a command-line peer for a syncd device.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	u "github.com/gofrs/uuid/v5"
	"github.com/pterm/pterm"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// ---- config/token store ----

type tokenFile struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func cfgDir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "peersync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "peersync")
}

func tokenPath() string    { return filepath.Join(cfgDir(), "token.json") }
func identityPath() string { return filepath.Join(cfgDir(), "identity") }

func saveToken(tok string, exp time.Time) error {
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(tokenPath(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(tokenFile{AccessToken: tok, ExpiresAt: exp})
}

func loadToken() (string, error) {
	b, err := os.ReadFile(tokenPath())
	if err != nil {
		return "", err
	}
	var tf tokenFile
	if err := json.Unmarshal(b, &tf); err != nil {
		return "", err
	}
	if tf.AccessToken == "" || (!tf.ExpiresAt.IsZero() && time.Now().After(tf.ExpiresAt)) {
		return "", errors.New("no valid token (pair first)")
	}
	return tf.AccessToken, nil
}

// loadIdentity returns this peer's identity, generating and saving a random one
// on first use.
func loadIdentity() (string, error) {
	b, err := os.ReadFile(identityPath())
	if err == nil {
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	id := u.Must(u.NewV4()).String()
	if err := os.MkdirAll(cfgDir(), 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(identityPath(), []byte(id+"\n"), 0o600); err != nil {
		return "", err
	}
	return id, nil
}

// ---- grpc dial ----

func loadTLS(caPath string, skipVerify bool) (credentials.TransportCredentials, error) {
	if skipVerify {
		return credentials.NewTLS(&tls.Config{InsecureSkipVerify: true}), nil
	}
	if caPath == "" {
		return credentials.NewClientTLSFromCert(nil, ""), nil
	}
	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("bad CA cert")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}

func dial(g globals) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if g.plaintext {
		creds = insecure.NewCredentials()
	} else {
		var err error
		if creds, err = loadTLS(g.caPath, g.insecure); err != nil {
			return nil, err
		}
	}
	return grpc.NewClient(g.addr, grpc.WithTransportCredentials(creds))
}

// ---- utils ----

func readAll(p string) ([]byte, error) {
	if p == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(p)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// multiFlag collects a repeatable string flag.
type multiFlag []string

func (m *multiFlag) String() string     { return strings.Join(*m, ",") }
func (m *multiFlag) Set(v string) error { *m = append(*m, v); return nil }

func usage() {
	fmt.Fprintf(os.Stderr, `syncctl
Usage:
  syncctl [-addr HOST:PORT | -ws URL] [-cacert file | -insecure | -plaintext] <cmd> [args]

Commands:
  version
  identity                                       (prints this peer's identity)
  pair       -code <code>                        (saves token)
  send       -url <url> [-position <sec>]        (open a URL on the device)
  exchange   [-since <RFC3339>] [-json]          (fetch the device's snapshots)
  export     (-file <zip|-> | -sub <url>...) [-passphrase <p>]
  push-group -name <name> -url <channel>...      (new subscription group)
  push-playlist -name <name> -video <url>...     (new playlist)
`)
	os.Exit(2)
}

// ---- main ----

var (
	version   = "dev"
	buildDate = "unknown"
)

// globals are the flags shared by every subcommand.
type globals struct {
	addr      string
	ws        string
	caPath    string
	insecure  bool
	plaintext bool
	timeout   time.Duration
}

// main dispatches subcommands.
func main() {
	var g globals
	flag.StringVar(&g.addr, "addr", "localhost:8443", "syncd gRPC address")
	flag.StringVar(&g.ws, "ws", "", "syncd WebSocket URL, e.g. ws://localhost:8080/sync; overrides -addr for sessions")
	flag.StringVar(&g.caPath, "cacert", "", "CA cert (PEM)")
	flag.BoolVar(&g.insecure, "insecure", false, "skip cert verify (dev)")
	flag.BoolVar(&g.plaintext, "plaintext", false, "connect without TLS (dev)")
	flag.DurationVar(&g.timeout, "timeout", 30*time.Second, "overall command timeout")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
	}
	cmd, args := flag.Arg(0), flag.Args()[1:]

	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()

	var err error
	switch cmd {
	case "version":
		fmt.Printf("syncctl %s (%s)\n", version, buildDate)
	case "identity":
		var id string
		if id, err = loadIdentity(); err == nil {
			fmt.Println(id)
		}
	case "pair":
		err = cmdPair(ctx, g, args)
	case "send":
		err = cmdSend(ctx, g, args)
	case "exchange":
		err = cmdExchange(ctx, g, args)
	case "export":
		err = cmdExport(ctx, g, args)
	case "push-group":
		err = cmdPushGroup(ctx, g, args)
	case "push-playlist":
		err = cmdPushPlaylist(ctx, g, args)
	default:
		usage()
	}
	if err != nil {
		fail(err)
	}
}

func fail(err error) {
	if s, ok := status.FromError(err); ok {
		pterm.Error.Printfln("rpc error: code=%s msg=%s", s.Code(), s.Message())
		os.Exit(1)
	}
	pterm.Error.Println(err)
	os.Exit(1)
}
