package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxBodyBytes 请求体上限（本地接口只接收很小的 JSON）
const maxBodyBytes = 1 << 16

var (
	errEmptyBody    = errors.New("request body is required")
	errTrailingData = errors.New("unexpected data after JSON body")
)

// writeJSON 写 JSON 响应；名单与报警是实时数据，不允许缓存
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeFail 写失败响应
func writeFail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, Fail(message))
}

// readBodyJSON 解析请求体；空体返回 errEmptyBody，未知字段和多余内容视为错误
func readBodyJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if dec.More() {
		return errTrailingData
	}
	return nil
}
