// Package authcore resolves login credentials to accounts and issues the
// sessions that follow.
//
// authcore is transport agnostic. The web and grpc packages put it behind
// HTTP and gRPC; the stores packages back it with memory, files, SQL
// (through GORM), Cloud Datastore and Redis.
//
// # Architecture
//
// Account: the durable identity record. An account is identified by an id and
// a unique email, and may hold a password hash, one linked id per external
// provider, or both.
//
// IdentityResolver: turns a Login (password, provider profile or magic link
// token) into exactly one account. Provider logins are resolved in three
// tiers: an account already linked to the provider id, then an account owning
// one of the profile's emails (which gets the id linked), then a new
// provider only account.
//
// SideChannel: the single use secrets that travel by email. Registration OTPs
// live in an OtpStore with a TTL; password reset tokens are stored as a sha256
// digest on the account.
//
// SessionManager: mints access and refresh tokens, refreshes and ends
// sessions. Every purpose (access, refresh, magic-link) is signed with its own
// secret so tokens are never interchangeable.
//
// # Basic Usage
//
//	tokens, err := authcore.NewTokenIssuer(authcore.TokenIssuerConfig{
//	    AccessSecret:    os.Getenv("AUTH_ACCESS_SECRET"),
//	    RefreshSecret:   os.Getenv("AUTH_REFRESH_SECRET"),
//	    MagicLinkSecret: os.Getenv("AUTH_MAGIC_LINK_SECRET"),
//	})
//
//	accounts := fs.NewFSAccountRepository("/var/lib/authcore")
//	notifier := &authcore.ConsoleNotifier{Links: authcore.Links{ClientURL: "https://app.example.com"}}
//
//	resolver := &authcore.IdentityResolver{
//	    Accounts:    accounts,
//	    SideChannel: &authcore.SideChannel{Otps: authcore.NewMemoryOtpStore(), Accounts: accounts},
//	    Hasher:      &authcore.BcryptHasher{},
//	    Tokens:      tokens,
//	    Notifier:    notifier,
//	}
//	sessions := &authcore.SessionManager{
//	    Resolver: resolver,
//	    Accounts: accounts,
//	    Tokens:   tokens,
//	    Notifier: notifier,
//	}
//
//	session, err := sessions.Login(ctx, authcore.PasswordLogin{Email: email, Password: password})
//
// # Errors
//
// Every failure is an *Error with a Kind (validation, auth, conflict,
// dependency) and a Reason. Transports map the Kind to a status code and show
// PublicMessage to clients. A password login for an unknown email and one
// with a wrong password share a message but keep distinct reasons.
//
// # Security
//
// Passwords are hashed with bcrypt. OTPs are six digits from crypto/rand and
// spent on first use, right or wrong. Reset tokens are 32 random bytes,
// hex encoded, and only their digest is stored. With a RefreshLedger,
// refresh tokens rotate on every use and replaying a spent one revokes the
// whole family.
package authcore
