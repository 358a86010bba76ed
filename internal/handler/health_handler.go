package handler

import (
	"net/http"

	"github.com/greymass/account-creation-portal/internal/middleware"
)

// Health はプロセスの生存確認に応答する。
// GET /health
//
// 外部ゲートウェイには問い合わせない。上流の障害でコンテナが再起動されないようにする。
func Health(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
