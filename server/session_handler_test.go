package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"JamFM/core/jam"

	"github.com/stretchr/testify/assert"
)

func TestWriteSessionErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{jam.ErrNotFound, http.StatusNotFound},
		{jam.ErrForbidden, http.StatusForbidden},
		{jam.ErrSessionFull, http.StatusForbidden},
		{jam.ErrSessionEnded, http.StatusForbidden},
		{assert.AnError, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeSessionError(rec, tc.err)
		assert.Equal(t, tc.status, rec.Code, tc.err.Error())
		// 错误文案要原样透传，客户端靠它还原哨兵错误
		assert.Contains(t, rec.Body.String(), tc.err.Error())
	}
}

func TestBeaconHandlerNeverFails(t *testing.T) {
	handler := &SessionHandler{}

	// 空 body
	rec := httptest.NewRecorder()
	handler.BeaconHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jams/beacon", strings.NewReader("")))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// 无效 token
	rec = httptest.NewRecorder()
	handler.BeaconHandler(rec, httptest.NewRequest(http.MethodPost, "/api/jams/beacon",
		strings.NewReader(`{"sessionId":"sess-1","token":"garbage"}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
