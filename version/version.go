package version

// Version is the service version, set at build time.
var Version = "0.0.0"
