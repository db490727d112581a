package hostprobe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const smiOut = `NVIDIA GeForce RTX 4070, 12282, 11000, 550.54.14
NVIDIA GeForce RTX 3060, 12288, 12000, 550.54.14
`

func fakeMemory(context.Context) (uint64, uint64, uint64, uint64, error) {
	return 32 << 30, 20 << 30, 8 << 30, 8 << 30, nil
}

func TestParseNvidiaSMI(t *testing.T) {
	gpus, err := ParseNvidiaSMI([]byte(smiOut))
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	assert.Equal(t, "NVIDIA GeForce RTX 4070", gpus[0].Name)
	assert.Equal(t, uint64(12282)*mib, gpus[0].VRAMTotal)
	assert.Equal(t, uint64(11000)*mib, gpus[0].VRAMFree)
	assert.Equal(t, "550.54.14", gpus[0].Driver)
	assert.Equal(t, 1, gpus[1].Index)

	_, err = ParseNvidiaSMI([]byte("gpu, abc, 1, x\n"))
	assert.Error(t, err)
	_, err = ParseNvidiaSMI([]byte("short line\n"))
	assert.Error(t, err)
}

func TestProbeWithGPU(t *testing.T) {
	p := &Prober{
		Memory: fakeMemory,
		Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			assert.Equal(t, "nvidia-smi", name)
			assert.Equal(t, smiArgs, args)
			return []byte(smiOut), nil
		},
	}
	h, err := p.Probe(context.Background())
	require.NoError(t, err)
	require.NoError(t, h.GPUError)
	assert.Equal(t, uint64(23000)*mib, h.VRAMFree())

	vram, ram := h.Budgets(1000*mib, 4<<30)
	assert.Equal(t, uint64(22000)*mib, vram)
	assert.Equal(t, uint64(16<<30), ram)
}

func TestProbeWithoutGPU(t *testing.T) {
	p := &Prober{
		Memory: fakeMemory,
		Run: func(context.Context, string, ...string) ([]byte, error) {
			return nil, errors.New("executable file not found")
		},
	}
	h, err := p.Probe(context.Background())
	require.NoError(t, err, "missing GPU is not fatal")
	assert.ErrorIs(t, h.GPUError, ErrNoGPU)
	assert.Equal(t, uint64(20<<30), h.RAMAvailable)
	vram, _ := h.Budgets(1, 0)
	assert.Zero(t, vram)
}
