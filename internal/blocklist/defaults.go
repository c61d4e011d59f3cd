package blocklist

var defaultPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	":(){ :|:& };:",
	"dd if=/dev/zero of=/dev/sd",
	"dd if=/dev/random of=/dev/sd",
	"mkfs.",
	"> /dev/sd",
	"chmod -R 777 /",
	"chown -R",
	"mv /* /dev/null",
	"wget|sh",
	"curl|sh",
	"wget|bash",
	"curl|bash",
	`\x`,
	"/dev/tcp/",
	"nc -e",
	"ncat -e",
	"python -c.*import.*socket",
	"perl -e.*socket",
}

// DefaultPatterns returns a fresh copy of the built-in patterns.
func DefaultPatterns() []string {
	out := make([]string, len(defaultPatterns))
	copy(out, defaultPatterns)
	return out
}
