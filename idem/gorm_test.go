package idem

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/sagaguard/testkit"
	"github.com/ceyewan/sagaguard/xerrors"
)

func TestDBCoordinator(t *testing.T) {
	runCoordinatorContract(t, func(t *testing.T, clock *fakeClock) Coordinator {
		database := testkit.NewSQLiteDB(t)
		require.NoError(t, Migrate(context.Background(), database))

		coord, err := New(&Config{Driver: DriverDB}, WithDB(database), WithNowFunc(clock.Now))
		require.NoError(t, err)
		return coord
	})
}

func TestDBCoordinator_RequiresDB(t *testing.T) {
	_, err := New(&Config{Driver: DriverDB})
	require.Error(t, err)
	assert.True(t, xerrors.Is(err, ErrConnectorNil))
}

func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()
	database := testkit.NewSQLiteDB(t)

	require.NoError(t, Migrate(ctx, database))
	require.NoError(t, Migrate(ctx, database))

	assert.True(t, database.DB(ctx).Migrator().HasTable(&RecordModel{}))
	assert.True(t, database.DB(ctx).Migrator().HasIndex(&RecordModel{}, "uk_sg_idem_key"))
}
