package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScripts(t *testing.T) {
	up, err := Scripts(Up)
	require.NoError(t, err)
	require.NotEmpty(t, up)
	assert.Equal(t, "001_create_schema.up", up[0].Name)
	for _, table := range []string{"daily_weather", "yield_records", "yearly_features", "backtest_runs", "backtest_fold_results"} {
		assert.Contains(t, up[0].SQL, "CREATE TABLE IF NOT EXISTS "+table)
	}

	down, err := Scripts(Down)
	require.NoError(t, err)
	require.Len(t, down, len(up))
	assert.Contains(t, down[0].SQL, "DROP TABLE IF EXISTS backtest_fold_results")

	_, err = Scripts("sideways")
	assert.Error(t, err)
}
