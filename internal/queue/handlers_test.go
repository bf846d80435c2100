package queue

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/ksred/ordersync/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRouter(d *Database) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewGinHandlers(d)
	r := gin.New()
	r.GET("/orders", h.ListOrdersHandler())
	r.GET("/orders/:order_id", h.GetOrderHandler())
	return r
}

func TestOrderHandlers(t *testing.T) {
	d := newTestDatabase(t)
	ids := publish(t, d, testDay, buy("600519.XSHG", 200), sell("000001.XSHE", 300))
	router := setupRouter(d)

	t.Run("list by date", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders?date=2026-10-19", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Success bool                `json:"success"`
			Data    []types.OrderRecord `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.True(t, body.Success)
		require.Len(t, body.Data, 2)
		sides := []types.Side{body.Data[0].Side, body.Data[1].Side}
		assert.ElementsMatch(t, []types.Side{types.SideBuy, types.SideSell}, sides)
	})

	t.Run("bad date", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders?date=19/10/2026", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("get one", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/"+ids[1], nil))
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Data types.OrderRecord `json:"data"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, ids[1], body.Data.ID)
		assert.Equal(t, types.SideSell, body.Data.Side)
		assert.Equal(t, types.StatusPending, body.Data.Status)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/orders/does-not-exist", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
