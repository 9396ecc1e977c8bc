package verifier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luca-patrignani/code-votation/domain/code"
)

const policy = `
rules:
  - name: no-manual
    values:
      - {type: scan_mode}
      - {type: literal, value: manual}
    op: eq
    then: break
    message: Manual entry is disabled.
  - name: already-validated
    values:
      - {type: field, value: validations}
      - {type: literal, value: 1}
    op: ge
    then: break
    message: El código ya fue validado.
  - name: vip-only
    values:
      - {type: field, value: type}
      - {type: literal, value: VIP}
      - {type: literal, value: Staff}
    op: in
    then: complete
    otherwise: break
    message: Wrong gate.
`

func TestLoadPolicy(t *testing.T) {
	rules, err := LoadPolicy(strings.NewReader(policy))
	require.NoError(t, err)
	require.Len(t, rules, 3)
	v := New(rules...)

	tests := []struct {
		name string
		code code.Code
		mode string
		want Verdict
	}{
		{"manual", code.Code{ID: "1", Type: "VIP"}, "manual", Verdict{NotValid, "Manual entry is disabled."}},
		{"rescan", code.Code{ID: "1", Type: "VIP", Validations: 1}, "camera", Verdict{NotValid, AlreadyValidatedMessage}},
		{"vip", code.Code{ID: "1", Type: "VIP"}, "camera", Verdict{Valid, validMessage}},
		{"staff", code.Code{ID: "1", Type: "Staff"}, "camera", Verdict{Valid, validMessage}},
		{"general", code.Code{ID: "1", Type: "General"}, "camera", Verdict{NotValid, "Wrong gate."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := v.Verify(tt.code, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadPolicyRejectsBadSpecs(t *testing.T) {
	bad := []string{
		"rules: [{then: maybe}]",
		"rules: [{then: break, op: near, values: [{type: literal, value: 1}, {type: literal, value: 2}]}]",
		"rules: [{then: break, op: eq, values: [{type: literal, value: 1}]}]",
		"rules: [{then: break, values: [{type: clock}]}]",
		"rules: [{then: break, otherwise: later}]",
	}
	for _, doc := range bad {
		_, err := LoadPolicy(strings.NewReader(doc))
		assert.Error(t, err, doc)
	}
}

func TestCompare(t *testing.T) {
	ok, err := compare(OpLt, 1, 2.5)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = compare(OpEq, "a", "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = compare(OpEq, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = compare(OpGt, nil, 1)
	assert.Error(t, err)
}
