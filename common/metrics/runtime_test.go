package metrics

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetSystemInfoCachesAcrossCalls(t *testing.T) {
	first := GetSystemInfo()
	second := GetSystemInfo()
	assert.Same(t, first, second, "GetSystemInfo should return the same cached instance")
}

func TestGetSystemInfoReflectsRuntimeGOOSAndArch(t *testing.T) {
	si := GetSystemInfo()
	assert.Equal(t, runtime.GOOS, si.OS)
	assert.Equal(t, runtime.GOARCH, si.Arch)
	assert.NotEmpty(t, si.GoVersion)
}

func TestSystemInfoToMapOmitsEmptyContainerRuntime(t *testing.T) {
	si := &SystemInfo{OS: "linux", Arch: "amd64", InContainer: false}
	m := si.ToMap()
	_, present := m["container_runtime"]
	assert.False(t, present)
}

func TestSystemInfoToMapIncludesContainerRuntimeWhenSet(t *testing.T) {
	si := &SystemInfo{OS: "linux", Arch: "amd64", InContainer: true, ContainerRuntime: "docker"}
	m := si.ToMap()
	assert.Equal(t, "docker", m["container_runtime"])
}
