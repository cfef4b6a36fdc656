package browse

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/index"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/metrics"
	"github.com/anstrom/sharescan/internal/smbclient"
	"github.com/anstrom/sharescan/internal/smbclient/mocks"
	"github.com/anstrom/sharescan/internal/transport"
)

func newTestManager(t *testing.T, client smbclient.Client, maxSessions int) (*Manager, *index.Cache) {
	t.Helper()
	cfg := config.Default()
	cfg.Browse.MaxSessions = maxSessions
	cache := index.NewCache(cfg.Browse, metrics.NewRegistryRecorder(metrics.NewRegistry()), logging.NewNop())
	m := NewManager(cfg, cache,
		WithSubstrateFactory(func(*transport.ProxyDescriptor) (transport.Substrate, error) {
			return transport.NewDirect(), nil
		}),
		WithClientFactory(func(transport.Substrate, time.Duration) smbclient.Client { return client }),
		WithLogger(logging.NewNop()),
	)
	return m, cache
}

func expectOpen(client *mocks.MockClient, session *mocks.MockSession, share string) {
	client.EXPECT().Connect(gomock.Any(), "10.1.1.1", 445, gomock.Any()).Return(session, nil)
	session.EXPECT().ListDirectory(gomock.Any(), share, "").Return(nil, nil)
}

func TestManager_OpenListSearchClose(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	session := mocks.NewMockSession(ctrl)
	m, cache := newTestManager(t, client, 4)

	expectOpen(client, session, "public")
	s, err := m.Open(context.Background(), OpenRequest{Host: "10.1.1.1", Share: "public"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)

	session.EXPECT().ListDirectory(gomock.Any(), "public", "docs").Return([]smbclient.Entry{
		{Name: "zeta.txt"},
		{Name: "Beta", IsDir: true},
		{Name: "alpha.txt"},
		{Name: "archive", IsDir: true},
	}, nil)
	entries, err := s.ListDirectory(context.Background(), "/docs/")
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	assert.Equal(t, []string{"archive", "Beta", "alpha.txt", "zeta.txt"}, names)

	session.EXPECT().ListDirectory(gomock.Any(), "public", "").Return([]smbclient.Entry{
		{Name: "readme.md", Size: 4},
	}, nil)
	found, err := s.Search(context.Background(), "README")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "readme.md", found[0].Path)

	infos := m.List()
	require.Len(t, infos, 1)
	assert.Equal(t, index.StatusReady, infos[0].IndexStatus)

	session.EXPECT().Close().Return(nil)
	require.NoError(t, m.Close(s.ID))

	_, err = cache.Status(s.ID)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound), "closing discards the index")
	_, err = m.Get(s.ID)
	assert.True(t, errors.IsCode(err, errors.CodeSessionNotFound))
	assert.Error(t, m.Close(s.ID))
}

func TestManager_OpenRejectsUnreadableShare(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	session := mocks.NewMockSession(ctrl)
	m, _ := newTestManager(t, client, 4)

	denied := errors.WrapEnumerationError(errors.CodeShareUnavailable, "Mount failed", "10.1.1.1", stderrors.New("access denied"))
	client.EXPECT().Connect(gomock.Any(), "10.1.1.1", 445, gomock.Any()).Return(session, nil)
	session.EXPECT().ListDirectory(gomock.Any(), "secret", "").Return(nil, denied)
	session.EXPECT().Close().Return(nil)

	_, err := m.Open(context.Background(), OpenRequest{Host: "10.1.1.1", Share: "secret"})
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeShareUnavailable))
	assert.Empty(t, m.List())
}

func TestManager_OpenValidation(t *testing.T) {
	m, _ := newTestManager(t, nil, 4)

	tests := []struct {
		name string
		req  OpenRequest
	}{
		{"missing host", OpenRequest{Share: "public"}},
		{"missing share", OpenRequest{Host: "10.1.1.1"}},
		{"bad port", OpenRequest{Host: "10.1.1.1", Share: "public", Port: 70000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Open(context.Background(), tt.req)
			assert.True(t, errors.IsCode(err, errors.CodeValidation))
		})
	}
}

func TestManager_MaxSessions(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	session := mocks.NewMockSession(ctrl)
	m, _ := newTestManager(t, client, 1)

	expectOpen(client, session, "public")
	_, err := m.Open(context.Background(), OpenRequest{Host: "10.1.1.1", Share: "public"})
	require.NoError(t, err)

	_, err = m.Open(context.Background(), OpenRequest{Host: "10.1.1.1", Share: "other"})
	assert.True(t, errors.IsCode(err, errors.CodeRateLimited))

	session.EXPECT().Close().Return(nil)
	m.CloseAll()
	assert.Empty(t, m.List())
}

func TestCleanPath(t *testing.T) {
	tests := map[string]string{
		"":              "",
		"/":             "",
		".":             "",
		"docs":          "docs",
		"/docs/":        "docs",
		`docs\reports`:  "docs/reports",
		"a/../b/./c":    "b/c",
		"../../etc":     "etc",
		"//double//sep": "double/sep",
	}
	for in, want := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, want, CleanPath(in))
		})
	}
}
