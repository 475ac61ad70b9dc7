// Package store provides integration tests for SurrealDB operations.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testStore *Client
var testContainer testcontainers.Container

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testStore, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil)
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}

	if err := testStore.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testStore.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

func testApplication(name string) models.Application {
	return models.Application{
		Name:        name,
		Description: "Sales analytics for the web shop",
		Database: models.DatabaseConfig{
			Dialect:  "postgres",
			Host:     "localhost",
			Port:     5432,
			User:     "shop",
			Password: "secret",
			Name:     "shopdb",
		},
		Agent: models.AgentConfig{RAGEnabled: true},
	}
}

func testCatalog() schema.Descriptor {
	return schema.Descriptor{Tables: []schema.Table{
		{
			Name:    "orders",
			Comment: "Customer orders",
			Columns: []schema.Column{
				{Name: "id", Type: "bigint", Key: "PRI", Comment: "order id"},
				{Name: "total", Type: "numeric", Comment: "order total"},
			},
		},
		{
			Name:    "customers",
			Comment: "Registered customers",
			Columns: []schema.Column{
				{Name: "id", Type: "bigint", Key: "PRI"},
				{Name: "email", Type: "text", Nullable: true},
			},
		},
	}}
}

func TestCreateAndGetApplication(t *testing.T) {
	ctx := context.Background()

	created, err := testStore.CreateApplication(ctx, testApplication("shop"))
	if err != nil {
		t.Fatalf("CreateApplication failed: %v", err)
	}
	if created.Name != "shop" {
		t.Errorf("Expected name 'shop', got %q", created.Name)
	}
	if created.Database.Dialect != "postgres" {
		t.Errorf("Expected dialect 'postgres', got %q", created.Database.Dialect)
	}
	if !created.Agent.RAGEnabled {
		t.Error("Expected rag_enabled true")
	}

	fetched, err := testStore.GetApplication(ctx, "shop")
	if err != nil {
		t.Fatalf("GetApplication failed: %v", err)
	}
	if fetched.Database.Host != "localhost" || fetched.Database.Port != 5432 {
		t.Errorf("Database config not round-tripped: %+v", fetched.Database)
	}
}

func TestGetApplicationNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := testStore.GetApplication(ctx, "does-not-exist")
	if !IsNotFound(err) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCreateApplicationDuplicateName(t *testing.T) {
	ctx := context.Background()

	if _, err := testStore.CreateApplication(ctx, testApplication("dup-app")); err != nil {
		t.Fatalf("First CreateApplication failed: %v", err)
	}
	_, err := testStore.CreateApplication(ctx, testApplication("dup-app"))
	if !IsAlreadyExists(err) {
		t.Errorf("Expected ErrAlreadyExists for duplicate name, got %v", err)
	}
}

func TestListApplications(t *testing.T) {
	ctx := context.Background()

	if _, err := testStore.CreateApplication(ctx, testApplication("list-app")); err != nil {
		t.Fatalf("CreateApplication failed: %v", err)
	}

	apps, err := testStore.ListApplications(ctx)
	if err != nil {
		t.Fatalf("ListApplications failed: %v", err)
	}
	found := false
	for _, app := range apps {
		if app.Name == "list-app" {
			found = true
		}
	}
	if !found {
		t.Error("ListApplications should include created application")
	}
}

func TestCatalogRoundTrip(t *testing.T) {
	ctx := context.Background()

	if err := testStore.PutCatalog(ctx, "catalog-app", testCatalog()); err != nil {
		t.Fatalf("PutCatalog failed: %v", err)
	}

	desc, err := testStore.GetCatalog(ctx, "catalog-app")
	if err != nil {
		t.Fatalf("GetCatalog failed: %v", err)
	}
	if len(desc.Tables) != 2 {
		t.Fatalf("Expected 2 tables, got %d", len(desc.Tables))
	}
	// stored position preserves the original table order
	if desc.Tables[0].Name != "orders" || desc.Tables[1].Name != "customers" {
		t.Errorf("Table order not preserved: %v", desc.TableNames())
	}
	if len(desc.Tables[0].Columns) != 2 {
		t.Errorf("Expected 2 columns on orders, got %d", len(desc.Tables[0].Columns))
	}
	if desc.Tables[0].Columns[0].Key != "PRI" {
		t.Errorf("Column key lost: %+v", desc.Tables[0].Columns[0])
	}
}

func TestPutCatalogReplaces(t *testing.T) {
	ctx := context.Background()

	if err := testStore.PutCatalog(ctx, "replace-app", testCatalog()); err != nil {
		t.Fatalf("PutCatalog failed: %v", err)
	}

	smaller := schema.Descriptor{Tables: []schema.Table{
		{Name: "orders", Columns: []schema.Column{{Name: "id", Type: "bigint"}}},
	}}
	if err := testStore.PutCatalog(ctx, "replace-app", smaller); err != nil {
		t.Fatalf("Second PutCatalog failed: %v", err)
	}

	desc, err := testStore.GetCatalog(ctx, "replace-app")
	if err != nil {
		t.Fatalf("GetCatalog failed: %v", err)
	}
	if len(desc.Tables) != 1 {
		t.Errorf("Expected catalog to be replaced, got %d tables", len(desc.Tables))
	}
}

func TestExamples(t *testing.T) {
	ctx := context.Background()

	first, err := testStore.AddExample(ctx, "example-app", "How many orders today?", "SELECT count(*) FROM orders WHERE created_at::date = now()::date")
	if err != nil {
		t.Fatalf("AddExample failed: %v", err)
	}
	if first.Question == "" || first.SQL == "" {
		t.Errorf("Example not round-tripped: %+v", first)
	}

	_, err = testStore.AddExample(ctx, "example-app", "Top customers by spend", "SELECT customer_id, sum(total) FROM orders GROUP BY customer_id ORDER BY 2 DESC LIMIT 10")
	if err != nil {
		t.Fatalf("Second AddExample failed: %v", err)
	}

	examples, err := testStore.ListExamples(ctx, "example-app")
	if err != nil {
		t.Fatalf("ListExamples failed: %v", err)
	}
	if len(examples) != 2 {
		t.Fatalf("Expected 2 examples, got %d", len(examples))
	}
	if examples[0].Question != "How many orders today?" {
		t.Errorf("Examples should be in creation order, got first %q", examples[0].Question)
	}
}

func TestFineTunedModel(t *testing.T) {
	ctx := context.Background()

	// No model registered yet
	model, err := testStore.GetEnabledModel(ctx, "model-app")
	if err != nil {
		t.Fatalf("GetEnabledModel failed: %v", err)
	}
	if model != nil {
		t.Errorf("Expected nil model before registration, got %+v", model)
	}

	if _, err := testStore.RegisterModel(ctx, "model-app", "sqlcoder-shop:v2", true); err != nil {
		t.Fatalf("RegisterModel failed: %v", err)
	}

	model, err = testStore.GetEnabledModel(ctx, "model-app")
	if err != nil {
		t.Fatalf("GetEnabledModel after register failed: %v", err)
	}
	if model == nil || model.ModelName != "sqlcoder-shop:v2" {
		t.Errorf("Expected registered model, got %+v", model)
	}

	// Disabled models are not returned
	if _, err := testStore.RegisterModel(ctx, "disabled-app", "sqlcoder:old", false); err != nil {
		t.Fatalf("RegisterModel failed: %v", err)
	}
	model, err = testStore.GetEnabledModel(ctx, "disabled-app")
	if err != nil {
		t.Fatalf("GetEnabledModel failed: %v", err)
	}
	if model != nil {
		t.Errorf("Disabled model should not be returned, got %+v", model)
	}
}

func TestMessageLifecycle(t *testing.T) {
	ctx := context.Background()

	id := uuid.New().String()
	msg, err := testStore.CreateMessage(ctx, id, "msg-app", "task-1", "How many orders shipped last week?")
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if msg.IsCancelled {
		t.Error("New message should not be cancelled")
	}

	cancelled, err := testStore.IsCancelled(ctx, id)
	if err != nil {
		t.Fatalf("IsCancelled failed: %v", err)
	}
	if cancelled {
		t.Error("IsCancelled should be false for a fresh message")
	}

	err = testStore.CompleteMessage(ctx, id,
		models.Answer{Summary: "128 orders shipped last week.", DisplayMode: "text"},
		"How many orders shipped in the last 7 days?",
		[]string{"SELECT count(*) FROM orders WHERE shipped_at > now() - interval '7 days'"},
		"SELECT count(*) FROM orders WHERE shipped_at > now() - interval '7 days'",
		`[{"count":128}]`,
		map[string]float64{"question_agent": 0.42, "sql_generator_agent": 1.3},
	)
	if err != nil {
		t.Fatalf("CompleteMessage failed: %v", err)
	}
}

func TestGetMessageAndChartOption(t *testing.T) {
	ctx := context.Background()

	id := uuid.New().String()
	if _, err := testStore.CreateMessage(ctx, id, "chart-app", "task-chart", "Orders per month?"); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	err := testStore.CompleteMessage(ctx, id,
		models.Answer{Summary: "Monthly order counts.", DisplayMode: "chart"},
		"", []string{"SELECT month, count(*) FROM orders GROUP BY month"},
		"SELECT month, count(*) FROM orders GROUP BY month",
		`[{"month":"Jan","count":4}]`, nil,
	)
	if err != nil {
		t.Fatalf("CompleteMessage failed: %v", err)
	}

	msg, err := testStore.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if msg.Answer == nil || msg.Answer.DisplayMode != "chart" {
		t.Fatalf("GetMessage answer = %+v, want chart display mode", msg.Answer)
	}
	if string(msg.QueryResult) == "" {
		t.Error("GetMessage should return the stored query result")
	}

	if err := testStore.SaveChartOption(ctx, id, `{"series":[{"type":"bar"}]}`); err != nil {
		t.Fatalf("SaveChartOption failed: %v", err)
	}
	msg, err = testStore.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage after SaveChartOption failed: %v", err)
	}
	if msg.Answer.ChartOption != `{"series":[{"type":"bar"}]}` {
		t.Errorf("ChartOption = %q, want the saved option", msg.Answer.ChartOption)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := testStore.GetMessage(ctx, uuid.New().String())
	if !IsNotFound(err) {
		t.Errorf("Expected ErrNotFound for unknown message, got %v", err)
	}
}

func TestCancelMessage(t *testing.T) {
	ctx := context.Background()

	id := uuid.New().String()
	if _, err := testStore.CreateMessage(ctx, id, "cancel-app", "task-2", "Long running question"); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}

	err := testStore.CancelMessage(ctx, id, models.Answer{Summary: "The chat has been cancelled."})
	if err != nil {
		t.Fatalf("CancelMessage failed: %v", err)
	}

	cancelled, err := testStore.IsCancelled(ctx, id)
	if err != nil {
		t.Fatalf("IsCancelled failed: %v", err)
	}
	if !cancelled {
		t.Error("IsCancelled should report true after CancelMessage")
	}
}

func TestIsCancelledNotFound(t *testing.T) {
	ctx := context.Background()

	_, err := testStore.IsCancelled(ctx, uuid.New().String())
	if !IsNotFound(err) {
		t.Errorf("Expected ErrNotFound for unknown message, got %v", err)
	}
}

func TestRecentQuestions(t *testing.T) {
	ctx := context.Background()

	questions := []string{"first question", "second question", "third question"}
	for _, q := range questions {
		id := uuid.New().String()
		if _, err := testStore.CreateMessage(ctx, id, "history-app", "task-h", q); err != nil {
			t.Fatalf("CreateMessage failed: %v", err)
		}
		// optimized question is what later turns should see
		err := testStore.CompleteMessage(ctx, id,
			models.Answer{Summary: "ok"}, "optimized: "+q, []string{}, "", "[]", nil)
		if err != nil {
			t.Fatalf("CompleteMessage failed: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancelled turns are excluded from history
	cancelledID := uuid.New().String()
	if _, err := testStore.CreateMessage(ctx, cancelledID, "history-app", "task-h", "cancelled question"); err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if err := testStore.CancelMessage(ctx, cancelledID, models.Answer{Summary: "The chat has been cancelled."}); err != nil {
		t.Fatalf("CancelMessage failed: %v", err)
	}

	recent, err := testStore.RecentQuestions(ctx, "history-app", 2)
	if err != nil {
		t.Fatalf("RecentQuestions failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 questions, got %d: %v", len(recent), recent)
	}
	// chronological order, most recent last, optimized form preferred
	if recent[0] != "optimized: second question" || recent[1] != "optimized: third question" {
		t.Errorf("Unexpected history order: %v", recent)
	}
}
