//go:build !linux

package config

func processLimit() uint64 { return 0 }
