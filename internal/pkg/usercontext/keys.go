package usercontext

// Shared Locals keys used across controllers and middlewares
const (
	KeyCallerContext = "CALLER_CONTEXT"
	KeyUserEmail     = "user_email"
	KeyIsAdmin       = "isAdmin"
)
