// Command authcore logs a terminal into an authcore server and keeps the
// credential under the user's config directory.
//
//	authcore [-server URL] [-credentials FILE] login -email ann@example.com
//	authcore whoami
//	authcore status
//	authcore prune
//	authcore logout
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/panyam/authcore/client"
	"github.com/panyam/authcore/client/stores/fs"
)

const profileEndpoint = "/api/users/profile"

var errUsage = errors.New("usage: authcore [-server URL] [-credentials FILE] login|logout|whoami|status|prune")

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "authcore:", err)
		if errors.Is(err, errUsage) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	global := flag.NewFlagSet("authcore", flag.ContinueOnError)
	global.SetOutput(io.Discard)
	server := global.String("server", envOr("AUTHCORE_SERVER", "http://localhost:8080"), "server URL")
	credPath := global.String("credentials", "", "credentials file (default under the user config dir)")
	if err := global.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if global.NArg() == 0 {
		return errUsage
	}

	store, err := fs.NewFSCredentialStore(*credPath, fs.DefaultAppName)
	if err != nil {
		return err
	}
	ac := client.NewAuthClient(*server, store, client.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))

	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "login":
		return login(ac, rest, stdin, stdout)
	case "logout":
		if err := ac.Logout(); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "logged out of %s\n", ac.ServerURL())
		return nil
	case "whoami":
		return whoami(ac, stdout)
	case "status":
		return status(store, stdout)
	case "prune":
		for _, origin := range store.Prune() {
			fmt.Fprintf(stdout, "removed %s\n", origin)
		}
		return store.Save()
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func login(ac *client.AuthClient, args []string, stdin io.Reader, stdout io.Writer) error {
	fset := flag.NewFlagSet("login", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	email := fset.String("email", "", "account email")
	password := fset.String("password", "", "password (read from stdin when empty)")
	if err := fset.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if *email == "" {
		return fmt.Errorf("%w: login needs -email", errUsage)
	}
	if *password == "" {
		fmt.Fprint(stdout, "password: ")
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		*password = strings.TrimRight(line, "\r\n")
		fmt.Fprintln(stdout)
	}

	cred, err := ac.Login(*email, *password)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "logged in to %s as %s (%s)\n", ac.ServerURL(), cred.UserEmail, roleOf(cred))
	return nil
}

func whoami(ac *client.AuthClient, stdout io.Writer) error {
	if cred, _ := ac.GetCredential(); cred == nil || !cred.Usable() {
		return fmt.Errorf("not logged in to %s", ac.ServerURL())
	}
	resp, err := ac.HTTPClient().Get(ac.ServerURL() + profileEndpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("profile request failed: HTTP %d", resp.StatusCode)
	}

	var account struct {
		ID      string `json:"id"`
		Email   string `json:"email"`
		Role    string `json:"role"`
		Profile struct {
			FirstName string `json:"firstName"`
		} `json:"profile"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return fmt.Errorf("invalid profile response: %w", err)
	}
	name := account.Profile.FirstName
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(stdout, "id:    %s\nemail: %s\nrole:  %s\nname:  %s\n", account.ID, account.Email, account.Role, name)
	return nil
}

func status(store *fs.FSCredentialStore, stdout io.Writer) error {
	servers, err := store.ListServers()
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Fprintln(stdout, "no stored credentials")
		return nil
	}
	for _, origin := range servers {
		cred, err := store.GetCredential(origin)
		if err != nil || cred == nil {
			continue
		}
		state := "valid until " + cred.ExpiresAt.Local().Format(time.RFC3339)
		switch {
		case !cred.Usable():
			state = "expired"
		case cred.IsExpired():
			state = "expired, refreshable"
		}
		fmt.Fprintf(stdout, "%s\t%s\t%s\n", origin, cred.UserEmail, state)
	}
	return nil
}

func roleOf(cred *client.ServerCredential) string {
	if cred.Role == "" {
		return "STANDARD"
	}
	return cred.Role
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
