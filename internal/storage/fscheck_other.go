//go:build !darwin && !linux

package storage

func probeFilesystem(string) (string, error) {
	return "", errProbeUnsupported
}
