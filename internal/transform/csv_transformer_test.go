package transform

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfware/stocksync/internal/syncerr"
)

const sampleExport = `#profiles
code,name,series,finish,price_per_m,weight_per_m,length_mm,supplier
P-100,Frame 40x40,S40,anodized,12.50,1.85,6000,Alu GmbH
P-200,Frame 80x40,S80,raw,21.00,3.10,6000,
#accessories
code,name,unit,price_unit
A-10,Corner bracket,pcs,0.85
A-20,T-nut M8,pcs,0.12
`

func TestTransformSampleExport(t *testing.T) {
	snap, err := NewCSVTransformer().Transform([]byte(sampleExport))
	require.NoError(t, err)

	require.Len(t, snap.Profiles, 2)
	require.Len(t, snap.Accessories, 2)

	p := snap.Profiles[0]
	assert.Equal(t, "P-100", p.Code)
	assert.Equal(t, "Frame 40x40", p.Name)
	assert.Equal(t, 12.5, p.PricePerM)
	assert.Equal(t, 1.85, p.WeightPerM)
	assert.Equal(t, 6000, p.LengthMM)

	// Unknown column preserved in the attribute bag.
	assert.Equal(t, "Alu GmbH", p.Extra["supplier"])
	assert.Equal(t, "", snap.Profiles[1].Extra["supplier"])

	a := snap.Accessories[1]
	assert.Equal(t, "A-20", a.Code)
	assert.Equal(t, 0.12, a.PriceUnit)
	assert.Nil(t, a.Extra)
}

func TestTransformFailures(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no sections", "code,name\nP-1,x\n"},
		{"unknown section", "#widgets\ncode\nW-1\n"},
		{"missing accessories", "#profiles\ncode,name\nP-1,x\n"},
		{"missing code", "#profiles\ncode,name\n,x\n#accessories\ncode\nA-1\n"},
		{"bad number", "#profiles\ncode,price_per_m\nP-1,abc\n#accessories\ncode\nA-1\n"},
		{"ragged row", "#profiles\ncode,name\nP-1\n#accessories\ncode\nA-1\n"},
	}

	tr := NewCSVTransformer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tr.Transform([]byte(tt.input))
			require.Error(t, err)

			var parse *syncerr.ParseError
			assert.True(t, errors.As(err, &parse))
		})
	}
}

func TestTransformEmptySections(t *testing.T) {
	snap, err := NewCSVTransformer().Transform([]byte("#profiles\ncode,name\n#accessories\ncode,name\n"))
	require.NoError(t, err)

	profiles, accessories := snap.Counts()
	assert.Zero(t, profiles)
	assert.Zero(t, accessories)
}
