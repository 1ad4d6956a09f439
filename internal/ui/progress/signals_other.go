//go:build !(aix || darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris)

package progress

func setupSignals() {}
