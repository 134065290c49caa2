package authcore

// LoginMethod names the way an account holder proved who they are
type LoginMethod string

const (
	MethodPassword  LoginMethod = "password"
	MethodProvider  LoginMethod = "provider"
	MethodMagicLink LoginMethod = "magic-link"
)

// Login is one of PasswordLogin, ProviderLogin or MagicLinkLogin. The set is
// closed: IdentityResolver.Resolve switches over exactly these types.
type Login interface {
	Method() LoginMethod
	isLogin()
}

// PasswordLogin is an email and password pair
type PasswordLogin struct {
	Email    string
	Password string
}

// ProviderLogin is a profile returned by an external identity provider
type ProviderLogin struct {
	Profile ProviderProfile
}

// MagicLinkLogin is a token taken from a magic link email
type MagicLinkLogin struct {
	Token string
}

func (PasswordLogin) Method() LoginMethod  { return MethodPassword }
func (ProviderLogin) Method() LoginMethod  { return MethodProvider }
func (MagicLinkLogin) Method() LoginMethod { return MethodMagicLink }

func (PasswordLogin) isLogin()  {}
func (ProviderLogin) isLogin()  {}
func (MagicLinkLogin) isLogin() {}
