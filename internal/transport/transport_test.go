package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logerr "github.com/trustdoors/trustdoors/internal/errors"
	"github.com/trustdoors/trustdoors/pkg/types"
)

type recorder struct {
	mu    sync.Mutex
	forms []url.Values
	heads []http.Header
}

func (r *recorder) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		req.ParseForm()
		r.mu.Lock()
		r.forms = append(r.forms, req.PostForm)
		r.heads = append(r.heads, req.Header.Clone())
		r.mu.Unlock()
		if status >= 300 && status < 400 {
			w.Header().Set("Location", "/elsewhere")
		}
		w.WriteHeader(status)
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.forms)
}

func TestFormSender_Send(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	sender := NewFormSender(srv.URL, nil, nil)
	rows := []types.Row{{types.FieldRowID: "s:1", types.FieldEventType: types.EventDoorTrial}}
	require.NoError(t, sender.Send(context.Background(), rows))

	require.Equal(t, 1, rec.count())
	decoded, err := types.DecodeBatch([]byte(rec.forms[0].Get(FieldPayload)))
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, "s:1", decoded[0].RowID())
	assert.Equal(t, contentTypeForm, rec.heads[0].Get("Content-Type"))
}

func TestFormSender_StatusHandling(t *testing.T) {
	tests := []struct {
		status  int
		wantErr bool
	}{
		{http.StatusOK, false},
		{http.StatusNoContent, false},
		{http.StatusFound, false},
		{http.StatusSeeOther, false},
		{http.StatusBadRequest, true},
		{http.StatusInternalServerError, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			rec := &recorder{}
			srv := httptest.NewServer(rec.handler(tt.status))
			defer srv.Close()

			err := NewFormSender(srv.URL, nil, nil).Send(context.Background(), nil)
			// Redirects are not followed.
			assert.Equal(t, 1, rec.count())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, logerr.CodeStatusRejected, logerr.GetCode(err))
			assert.True(t, logerr.IsRetryable(err))
		})
	}
}

func TestFormSender_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	err := NewFormSender(endpoint, nil, nil).Send(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, logerr.ErrCategoryTransport, logerr.GetCategory(err))
	assert.Equal(t, logerr.CodeSendFailed, logerr.GetCode(err))
	assert.True(t, logerr.IsRetryable(err))
}

func TestPayloadValues_EmptyBatch(t *testing.T) {
	values, err := PayloadValues(nil)
	require.NoError(t, err)
	assert.Equal(t, `{"rows":[]}`, values.Get(FieldPayload))
}

func TestDeleteValues(t *testing.T) {
	values := DeleteValues("p-1")
	assert.Equal(t, "action=delete_by_participant&participant_id=p-1", values.Encode())
}

func TestBeacon_Delivers(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	b := NewBeacon(srv.URL, BeaconOptions{})
	assert.True(t, b.TrySend(url.Values{FieldPayload: {`{"rows":[]}`}}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))
	assert.Equal(t, 1, rec.count())
}

func TestBeacon_RefusesOversizedBody(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	b := NewBeacon(srv.URL, BeaconOptions{MaxBytes: 100})
	assert.Equal(t, 100, b.MaxBytes())
	assert.False(t, b.TrySend(url.Values{FieldPayload: {strings.Repeat("x", 200)}}))

	require.NoError(t, b.Wait(context.Background()))
	assert.Equal(t, 0, rec.count())
}

func TestBeacon_RefusesWhenInFlightExhausted(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	b := NewBeacon(srv.URL, BeaconOptions{MaxInFlight: 1})
	values := url.Values{FieldPayload: {`{"rows":[]}`}}

	assert.True(t, b.TrySend(values))
	assert.False(t, b.TrySend(values))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Wait(ctx))

	assert.True(t, b.TrySend(values))
	require.NoError(t, b.Wait(ctx))
}

func TestBeacon_WaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	b := NewBeacon(srv.URL, BeaconOptions{})
	require.True(t, b.TrySend(url.Values{}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}

func TestKeepalive_Send(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(http.StatusOK))
	defer srv.Close()

	k := NewKeepalive(srv.URL, nil, nil)
	k.Send(DeleteValues("p-9"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Wait(ctx))

	require.Equal(t, 1, rec.count())
	assert.Equal(t, ActionDeleteByParticipant, rec.forms[0].Get(FieldAction))
	assert.Equal(t, "p-9", rec.forms[0].Get(FieldParticipantID))
}
