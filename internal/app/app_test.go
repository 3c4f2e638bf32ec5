//go:build integration

package app_test

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/bissquit/sheetdash/internal/app"
	"github.com/bissquit/sheetdash/internal/config"
	"github.com/bissquit/sheetdash/internal/pkg/postgres"
	"github.com/bissquit/sheetdash/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	openAPISpecPath = "../../api/openapi/openapi.yaml"
	adminSecret     = "integration-admin-secret"
	password        = "Secret#123"
)

var (
	testServer    *httptest.Server
	testValidator *testutil.OpenAPIValidator
)

func newTestClient(t *testing.T) *testutil.Client {
	t.Helper()
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)
	client.SetT(t)
	return client
}

func TestMain(m *testing.M) {
	ctx := context.Background()

	pgContainer, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Fatalf("start postgres: %v", err)
	}

	if err := postgres.Migrate(pgContainer.ConnectionString, "file://../../migrations"); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = "0"
	cfg.Server.MetricsPort = "0"
	cfg.Database.URL = pgContainer.ConnectionString
	cfg.Database.ConnectAttempts = 3
	cfg.Log.Level = "error"
	cfg.JWT.SecretKey = "integration-signing-key"
	cfg.Auth.AdminSecret = adminSecret
	cfg.Auth.HashCost = bcrypt.MinCost
	cfg.Lockout.MaxAttempts = 3
	cfg.RateLimit.Enabled = false

	application, err := app.New(&cfg)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	testServer = httptest.NewServer(application.Router())

	testValidator, err = testutil.LoadOpenAPIValidator(openAPISpecPath)
	if err != nil {
		log.Fatalf("load OpenAPI validator: %v", err)
	}

	code := m.Run()

	testServer.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := application.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown app: %v", err)
	}
	cancel()

	if err := pgContainer.Terminate(ctx); err != nil {
		log.Printf("terminate postgres: %v", err)
	}

	os.Exit(code)
}

func userBody(email string) map[string]string {
	return map[string]string{
		"firstName": "Test",
		"lastName":  "User",
		"email":     email,
		"password":  password,
	}
}

func adminBody(email string) map[string]string {
	body := userBody(email)
	body["role"] = "admin"
	body["secretKey"] = adminSecret
	return body
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func TestRegisterLoginFlow(t *testing.T) {
	client := newTestClient(t)
	email := testutil.RandomEmail()

	resp, err := client.POST("/api/users", userBody(email))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var registered struct {
		Message string `json:"message"`
		User    struct {
			ID    string `json:"id"`
			Email string `json:"email"`
			Role  string `json:"role"`
		} `json:"user"`
	}
	testutil.DecodeJSON(t, resp, &registered)
	assert.Equal(t, "User created successfully", registered.Message)
	assert.Equal(t, email, registered.User.Email)
	assert.Equal(t, "user", registered.User.Role)

	id := client.LoginAs(t, email, password)
	assert.Equal(t, registered.User.ID, id)
	assert.NotEmpty(t, client.Token)

	resp, err = client.GET("/api/me")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var me struct {
		Data struct {
			ID    string `json:"id"`
			Email string `json:"email"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &me)
	assert.Equal(t, id, me.Data.ID)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	client := newTestClient(t)
	email := testutil.RandomEmail()
	client.Register(t, userBody(email))

	resp, err := client.POST("/api/users", userBody(email))
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	var body errorEnvelope
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "User with given email already exists!", body.Error.Message)
}

func TestRegisterAdminRequiresSecret(t *testing.T) {
	client := newTestClient(t)
	body := adminBody(testutil.RandomEmail())
	body["secretKey"] = "wrong"

	resp, err := client.POST("/api/users", body)
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errBody errorEnvelope
	testutil.DecodeJSON(t, resp, &errBody)
	assert.Equal(t, "invalid_admin_secret", errBody.Error.Code)
}

func TestLoginInvalidCredentials(t *testing.T) {
	client := newTestClient(t)
	email := testutil.RandomEmail()
	client.Register(t, userBody(email))

	for _, creds := range []map[string]string{
		{"email": email, "password": "Wrong#1234"},
		{"email": testutil.RandomEmail(), "password": password},
	} {
		resp, err := client.POST("/api/login", creds)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body errorEnvelope
		testutil.DecodeJSON(t, resp, &body)
		assert.Equal(t, "Invalid Email or Password", body.Error.Message)
	}
}

func TestLoginLockout(t *testing.T) {
	client := newTestClient(t)
	email := testutil.RandomEmail()
	client.Register(t, userBody(email))

	for i := 0; i < 3; i++ {
		resp, err := client.POST("/api/login", map[string]string{"email": email, "password": "Wrong#1234"})
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_ = resp.Body.Close()
	}

	resp, err := client.POST("/api/login", map[string]string{"email": email, "password": password})
	require.NoError(t, err)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestChangePassword(t *testing.T) {
	client := newTestClient(t)
	email := testutil.RandomEmail()
	client.Register(t, userBody(email))
	id := client.LoginAs(t, email, password)

	resp, err := client.PUT("/api/change-password/"+id, map[string]string{
		"currentPassword": password,
		"newPassword":     "Fresh#4567",
		"confirmPassword": "Fresh#4567",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	client.ClearToken()
	resp, err = client.POST("/api/login", map[string]string{"email": email, "password": password})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	client.LoginAs(t, email, "Fresh#4567")
}

func TestChangePasswordOtherUserForbidden(t *testing.T) {
	client := newTestClient(t)
	victim := testutil.RandomEmail()
	client.Register(t, userBody(victim))
	victimID := client.LoginAs(t, victim, password)

	attacker := testutil.RandomEmail()
	client.Register(t, userBody(attacker))
	client.LoginAs(t, attacker, password)

	resp, err := client.PUT("/api/change-password/"+victimID, map[string]string{
		"currentPassword": password,
		"newPassword":     "Fresh#4567",
		"confirmPassword": "Fresh#4567",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAdminUserManagement(t *testing.T) {
	client := newTestClient(t)

	userEmail := testutil.RandomEmail()
	client.Register(t, userBody(userEmail))
	userID := client.LoginAs(t, userEmail, password)

	resp, err := client.GET("/api/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	adminEmail := testutil.RandomEmail()
	client.Register(t, adminBody(adminEmail))
	client.LoginAs(t, adminEmail, password)

	resp, err = client.GET("/api/users?limit=100")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Meta struct {
			Total int `json:"total"`
			Limit int `json:"limit"`
		} `json:"meta"`
	}
	testutil.DecodeJSON(t, resp, &list)
	assert.GreaterOrEqual(t, list.Meta.Total, 2)
	assert.Equal(t, 100, list.Meta.Limit)

	resp, err = client.DELETE("/api/users/" + userID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.GET("/api/users/" + userID)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	// The address is free again after a soft delete.
	client.Register(t, userBody(userEmail))

	resp, err = client.POST("/api/users/"+userID+"/restore", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.DELETE("/api/users/" + userID + "?mode=hard")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.POST("/api/users/"+userID+"/restore", nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAdminEditsProfile(t *testing.T) {
	client := newTestClient(t)

	userEmail := testutil.RandomEmail()
	client.Register(t, userBody(userEmail))
	userID := client.LoginAs(t, userEmail, password)

	resp, err := client.PATCH("/api/users/"+userID, map[string]string{"firstName": "Grace", "lastName": "Hopper"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	adminEmail := testutil.RandomEmail()
	client.Register(t, adminBody(adminEmail))
	client.LoginAs(t, adminEmail, password)

	resp, err = client.PATCH("/api/users/"+userID, map[string]string{"firstName": " Grace ", "lastName": "Hopper"})
	require.NoError(t, err)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update profile: status=%d body=%s", resp.StatusCode, testutil.ReadBody(t, resp))
	}

	var updated struct {
		Data struct {
			ID        string `json:"id"`
			FirstName string `json:"firstName"`
			LastName  string `json:"lastName"`
			Email     string `json:"email"`
		} `json:"data"`
	}
	testutil.DecodeJSON(t, resp, &updated)
	assert.Equal(t, userID, updated.Data.ID)
	assert.Equal(t, "Grace", updated.Data.FirstName)
	assert.Equal(t, "Hopper", updated.Data.LastName)
	assert.Equal(t, userEmail, updated.Data.Email)

	resp, err = client.PATCH("/api/users/"+userID, map[string]string{"firstName": "<b>Grace</b>", "lastName": "Hopper"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp, err = client.PATCH("/api/users/00000000-0000-0000-0000-000000000000", map[string]string{"firstName": "A", "lastName": "B"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestOpenAPIDocumentServed(t *testing.T) {
	// The document route itself is not part of the contract.
	client := newTestClient(t).WithoutValidation()

	resp, err := client.GET("/api/openapi.yaml")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-yaml", resp.Header.Get("Content-Type"))
	assert.Contains(t, testutil.ReadBody(t, resp), "openapi: 3.0.3")
}

func TestAdminRoutesRequireToken(t *testing.T) {
	client := newTestClient(t)

	resp, err := client.GET("/api/users")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	_ = resp.Body.Close()

	client.Token = "not-a-token"
	resp, err = client.DELETE("/api/users/00000000-0000-0000-0000-000000000000")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body errorEnvelope
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "malformed_token", body.Error.Code)
}

func TestHealthEndpoints(t *testing.T) {
	client := testutil.NewClient(testServer.URL)

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		resp, err := client.GET(path)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		_ = resp.Body.Close()
	}
}
