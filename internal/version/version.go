package version

import "fmt"

// Заполняются при сборке: -ldflags "-X github.com/luonghoangminh88-hub/smsflex/internal/version.version=v1.2.0".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const product = "smsflex"

// Info returns version information populated via -ldflags.
func Info() (v, c, d string) { return version, commit, date }

// GetVersion returns the release version of the smsflex binary.
func GetVersion() string { return version }

// GetCommit returns the git commit the binary was built from.
func GetCommit() string { return commit }

// GetDate returns the build date.
func GetDate() string { return date }

// UserAgent — значение заголовка User-Agent в запросах к провайдерам номеров.
func UserAgent() string {
	if commit == "" || commit == "unknown" {
		return product + "/" + version
	}
	return fmt.Sprintf("%s/%s (%s)", product, version, shortCommit(commit))
}

func String() string {
	return fmt.Sprintf("%s version=%s commit=%s date=%s", product, version, commit, date)
}

func shortCommit(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}
