package app

// Build-time variables set via -ldflags. For example:
//
//	go build -ldflags "-X github.com/large-farva/pourlink/internal/app.Version=v0.3.0" ./cmd/pourlinkd
var (
	Version   = "dev"
	GoVersion = "unknown"
	BuiltAt   = "unknown"
)
