package wbshare

// BuildVersion is overridden at link time with -ldflags "-X ..."
var BuildVersion = "0.0.0-src"
