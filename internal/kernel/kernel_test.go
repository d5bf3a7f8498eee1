package kernel

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Athryx/aurora-os/internal/abi"
	"github.com/Athryx/aurora-os/internal/config"
)

func testConfig() config.Boot {
	return config.Boot{CPUCount: 2, MemoryPages: 1024, InitrdPath: "/initrd", LogLevel: "info"}
}

func TestBootPopulatesBootstrapCapabilities(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)

	alive, err := k.InitProcess.Caps.WeakIsAlive(k.Boot.InitProcessWeak)
	require.NoError(t, err)
	require.True(t, alive)

	for name, cid := range map[string]abi.Cid{
		"initrd":        k.Boot.Initrd,
		"globalInfo":    k.Boot.GlobalInfo,
		"kcontrol":      k.Boot.Kcontrol,
		"spawner":       k.Boot.Spawner,
		"spawnKey":      k.Boot.SpawnKey,
		"rootAllocator": k.Boot.RootAllocator,
		"rootOom":       k.Boot.RootOom,
		"rootOomTable":  k.Boot.RootOomTable,
		"mmioAllocator": k.Boot.MmioAllocator,
		"intAllocator":  k.Boot.IntAllocator,
		"portAllocator": k.Boot.PortAllocator,
	} {
		_, err := k.InitProcess.Caps.Lookup(cid, abi.Perm(0), false)
		require.NoErrorf(t, err, "bootstrap cap %s should resolve", name)
	}
}

func TestBootRegistersInitProcessInProcessMap(t *testing.T) {
	k, err := Boot(testConfig())
	require.NoError(t, err)

	p, ok := k.Processes.Load(k.InitProcess.Cid)
	require.True(t, ok)
	require.Equal(t, k.InitProcess, p)
}
