package pattern

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/laserstream/internal/laser"
	"github.com/banshee-data/laserstream/internal/laser/stream"
	"github.com/banshee-data/laserstream/internal/laser/tessellate"
)

func TestPatterns(t *testing.T) {
	tess := tessellate.New(tessellate.DefaultParams())
	for _, name := range Names() {
		t.Run(name, func(t *testing.T) {
			fn, err := Lookup(name)
			require.NoError(t, err)
			f := fn(stream.RenderContext{Elapsed: 1500 * time.Millisecond, TargetPoints: 500})
			if name == "blank" {
				assert.True(t, f.Empty())
				return
			}
			require.False(t, f.Empty())
			for _, p := range f.Paths {
				for _, v := range p {
					assert.True(t, laser.UnitRect.Contains(v.Position), "%s vertex %v outside the unit rect", name, v.Position)
					assert.LessOrEqual(t, v.Color.Sum(), 1.0+1e-9)
				}
			}
			res := tess.Tessellate(f, 500)
			assert.Len(t, res.Points, 500)
		})
	}
	_, err := Lookup("spiral")
	assert.ErrorIs(t, err, laser.ErrConfigurationInvalid)
}
