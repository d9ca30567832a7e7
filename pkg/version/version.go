package version

// Current defines the application version.
// It defaults to "dev" but is overwritten at build time using -ldflags.
var Current = "dev"

// AppName identifies the service in telemetry and log output.
const AppName = "stratus"
