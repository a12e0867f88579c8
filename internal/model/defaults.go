package model

import "time"

const (
	DefaultLanguage = "javascript"
	DefaultCode     = "// Start coding here\nconsole.log(\"Hello, World!\");\n"

	MaxUsernameLength = 50
)

// Languages a session may be switched to
var Languages = []string{
	"javascript",
	"typescript",
	"python",
	"java",
	"cpp",
	"go",
	"rust",
}

// Palette of user colors handed out before falling back to random hues
var Palette = []string{
	"hsl(37, 92%, 50%)",
	"hsl(200, 70%, 50%)",
	"hsl(150, 60%, 45%)",
	"hsl(280, 60%, 55%)",
	"hsl(350, 70%, 55%)",
	"hsl(180, 60%, 45%)",
}

func IsLanguage(lang string) bool {
	for _, l := range Languages {
		if l == lang {
			return true
		}
	}
	return false
}

// NowMillis is the timestamp unit used throughout the session model.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
