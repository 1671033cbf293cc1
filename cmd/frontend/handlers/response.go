package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

const (
	statusSuccess = 0
	statusError   = 1
)

// envelope wraps every REST answer with the request it answers
func envelope(resource string, request interface{}, status int) map[string]interface{} {
	return map[string]interface{}{
		"status":           status,
		"timestamp":        time.Now().Unix(),
		"request_resource": resource,
		"request":          request,
	}
}

func success(c echo.Context, resource string, request interface{}, fields map[string]interface{}) error {
	body := envelope(resource, request, statusSuccess)
	for k, v := range fields {
		body[k] = v
	}
	return c.JSON(http.StatusOK, body)
}

func failure(c echo.Context, code int, resource string, request interface{}, message string) error {
	body := envelope(resource, request, statusError)
	body["error_message"] = message
	return c.JSON(code, body)
}

// requestInfo describes a request without its body
func requestInfo(c echo.Context) map[string]interface{} {
	info := map[string]interface{}{}
	for _, name := range c.ParamNames() {
		info[name] = c.Param(name)
	}
	for k, v := range c.QueryParams() {
		if len(v) > 0 {
			info[k] = v[0]
		}
	}
	return info
}
