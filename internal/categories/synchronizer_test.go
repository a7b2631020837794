package categories

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox"
	"github.com/MannPATIRA/hexa-outlook-frontend-sub001/internal/mailbox/memory"
)

func TestSetFolderCategorySingleWrite(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	id := gw.AddMessage(mailbox.Message{Categories: []string{"VIP"}})
	s := NewSynchronizer(gw)

	require.NoError(t, s.SetFolderCategory(ctx, id, "Quotes"))
	require.NoError(t, s.SetFolderCategory(ctx, id, "Quotes"))
	require.Equal(t, 1, gw.Calls("PatchMessage"))

	msg, _ := gw.Message(id)
	require.Equal(t, []string{"VIP", "Quote"}, msg.Categories)

	masters, err := gw.ListMasterCategories(ctx)
	require.NoError(t, err)
	require.Len(t, masters, 1)
	require.Equal(t, "Quote", masters[0].Name)
	require.Equal(t, PresetGreen, masters[0].Color)
}

func TestSetFolderCategoryReplacesLocation(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	id := gw.AddMessage(mailbox.Message{Categories: []string{"Quote", "Follow up", "Sent RFQ"}})
	s := NewSynchronizer(gw)

	require.NoError(t, s.SetFolderCategory(ctx, id, "MAT-1/AwaitingEngineer"))
	msg, _ := gw.Message(id)
	require.Equal(t, []string{"Follow up", "Awaiting Engineer"}, msg.Categories)
}

func TestSetFolderCategoryUnmappedIsNoop(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	id := gw.AddMessage(mailbox.Message{})
	s := NewSynchronizer(gw)

	require.NoError(t, s.SetFolderCategory(ctx, id, "MAT-1"))
	require.Zero(t, gw.Calls("GetMessage"))
	require.Zero(t, gw.Calls("ListMasterCategories"))
}

func TestSetFolderCategorySkipsWriteWhenAlreadyTagged(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	id := gw.AddMessage(mailbox.Message{Categories: []string{"quote"}})
	s := NewSynchronizer(gw)

	require.NoError(t, s.SetFolderCategory(ctx, id, "Quotes"))
	require.Zero(t, gw.Calls("PatchMessage"))
}

func TestEnsureRecolorsMismatchedCategory(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	_, err := gw.CreateMasterCategory(ctx, "quote", PresetOrange)
	require.NoError(t, err)
	gw.ResetCalls()

	s := NewSynchronizer(gw)
	id := gw.AddMessage(mailbox.Message{})
	require.NoError(t, s.SetFolderCategory(ctx, id, "Quotes"))
	require.Zero(t, gw.Calls("CreateMasterCategory"))
	require.Equal(t, 1, gw.Calls("PatchMasterCategoryColor"))

	masters, _ := gw.ListMasterCategories(ctx)
	require.Equal(t, PresetGreen, masters[0].Color)
}

// racingCategories simulates another process creating the category between
// our list and create calls.
type racingCategories struct {
	*memory.Store
}

func (g *racingCategories) CreateMasterCategory(ctx context.Context, name, color string) (*mailbox.MasterCategory, error) {
	if _, err := g.Store.CreateMasterCategory(ctx, name, "preset0"); err != nil {
		return nil, err
	}
	return nil, mailbox.ErrAlreadyExists
}

func TestEnsureToleratesConcurrentCreate(t *testing.T) {
	ctx := context.Background()
	gw := &racingCategories{Store: memory.New()}
	s := NewSynchronizer(gw)

	require.NoError(t, s.EnsureMasterCategories(ctx))
	masters, err := gw.ListMasterCategories(ctx)
	require.NoError(t, err)
	require.Len(t, masters, 6)
	for _, m := range masters {
		c, ok := ByName(m.Name)
		require.True(t, ok, m.Name)
		assert.Equal(t, c.Color, m.Color, m.Name)
	}
}

func TestRemoveFolderCategories(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	id := gw.AddMessage(mailbox.Message{Categories: []string{"Keep"}})
	s := NewSynchronizer(gw)

	require.NoError(t, s.SetFolderCategory(ctx, id, "Quotes"))
	require.NoError(t, s.RemoveFolderCategories(ctx, id))
	msg, _ := gw.Message(id)
	require.Equal(t, []string{"Keep"}, msg.Categories)

	// The per-message cache was cleared, so re-applying writes again.
	require.NoError(t, s.SetFolderCategory(ctx, id, "Quotes"))
	require.Equal(t, 3, gw.Calls("PatchMessage"))
}

func TestSetFolderCategoryPropagatesErrors(t *testing.T) {
	ctx := context.Background()
	gw := memory.New()
	s := NewSynchronizer(gw)
	gw.FailNext("ListMasterCategories", errors.New("throttled"))

	err := s.SetFolderCategory(ctx, "nope", "Quotes")
	require.ErrorContains(t, err, "throttled")

	err = s.SetFolderCategory(ctx, "nope", "Quotes")
	require.ErrorIs(t, err, mailbox.ErrNotFound)
}

func TestMappingTable(t *testing.T) {
	c, ok := ForFolder("quotes")
	require.True(t, ok)
	require.Equal(t, Category{Name: "Quote", Color: PresetGreen}, c)
	require.Len(t, All(), 6)
	require.True(t, IsLocationCategory("sent rfq"))
	require.False(t, IsLocationCategory("VIP"))
}
