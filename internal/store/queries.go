package store

import (
	"context"
	"fmt"

	"github.com/querypilot/querypilot/internal/models"
	"github.com/querypilot/querypilot/internal/schema"
	"github.com/surrealdb/surrealdb.go"
)

// CreateApplication registers a new application. The name is unique.
func (c *Client) CreateApplication(ctx context.Context, app models.Application) (*models.Application, error) {
	results, err := surrealdb.Query[[]models.Application](ctx, c.db, `
		CREATE application SET
			name = $name,
			description = $description,
			database = $database,
			agent = $agent
		RETURN AFTER
	`, map[string]any{
		"name":        app.Name,
		"description": app.Description,
		"database":    app.Database,
		"agent":       app.Agent,
	})
	if err != nil {
		return nil, fmt.Errorf("create application: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create application: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// GetApplication fetches an application by name.
func (c *Client) GetApplication(ctx context.Context, name string) (*models.Application, error) {
	results, err := surrealdb.Query[[]models.Application](ctx, c.db, `
		SELECT * FROM application WHERE name = $name LIMIT 1
	`, map[string]any{"name": name})
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get application %q: %w", name, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// ListApplications returns all applications in creation order.
func (c *Client) ListApplications(ctx context.Context) ([]models.Application, error) {
	results, err := surrealdb.Query[[]models.Application](ctx, c.db, `
		SELECT * FROM application ORDER BY created ASC
	`, nil)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.Application{}, nil
	}
	return (*results)[0].Result, nil
}

// catalogRecord is the persisted form of one schema table.
type catalogRecord struct {
	Application string          `json:"application"`
	Name        string          `json:"name"`
	Comment     string          `json:"comment,omitempty"`
	Columns     []schema.Column `json:"columns"`
	Position    int             `json:"position"`
	Enabled     bool            `json:"enabled"`
}

// PutCatalog replaces the stored table catalog of an application,
// preserving the descriptor's table order via positions.
func (c *Client) PutCatalog(ctx context.Context, application string, desc schema.Descriptor) error {
	if _, err := surrealdb.Query[any](ctx, c.db, `
		DELETE catalog_table WHERE application = $application
	`, map[string]any{"application": application}); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}

	for i, table := range desc.Tables {
		record := catalogRecord{
			Application: application,
			Name:        table.Name,
			Comment:     table.Comment,
			Columns:     table.Columns,
			Position:    i,
			Enabled:     true,
		}
		if _, err := surrealdb.Query[any](ctx, c.db, `
			CREATE catalog_table CONTENT $record
		`, map[string]any{"record": record}); err != nil {
			return fmt.Errorf("store catalog table %q: %w", table.Name, wrapQueryError(err))
		}
	}
	return nil
}

// GetCatalog fetches the enabled table catalog of an application in
// stored order.
func (c *Client) GetCatalog(ctx context.Context, application string) (schema.Descriptor, error) {
	results, err := surrealdb.Query[[]catalogRecord](ctx, c.db, `
		SELECT * FROM catalog_table
		WHERE application = $application AND enabled = true
		ORDER BY position ASC
	`, map[string]any{"application": application})
	if err != nil {
		return schema.Descriptor{}, fmt.Errorf("get catalog: %w", err)
	}

	var desc schema.Descriptor
	if results != nil && len(*results) > 0 {
		for _, record := range (*results)[0].Result {
			desc.Tables = append(desc.Tables, schema.Table{
				Name:    record.Name,
				Comment: record.Comment,
				Columns: record.Columns,
			})
		}
	}
	return desc, nil
}

// AddExample stores one few-shot (question, sql) pair for an application.
func (c *Client) AddExample(ctx context.Context, application, question, sql string) (*models.FewShotExample, error) {
	results, err := surrealdb.Query[[]models.FewShotExample](ctx, c.db, `
		CREATE fewshot_example SET
			application = $application,
			question = $question,
			sql = $sql,
			enabled = true
		RETURN AFTER
	`, map[string]any{
		"application": application,
		"question":    question,
		"sql":         sql,
	})
	if err != nil {
		return nil, fmt.Errorf("add example: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("add example: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// ListExamples returns an application's enabled few-shot examples in
// creation order, as supplied to the synthesizer.
func (c *Client) ListExamples(ctx context.Context, application string) ([]models.FewShotExample, error) {
	results, err := surrealdb.Query[[]models.FewShotExample](ctx, c.db, `
		SELECT * FROM fewshot_example
		WHERE application = $application AND enabled = true
		ORDER BY created ASC
	`, map[string]any{"application": application})
	if err != nil {
		return nil, fmt.Errorf("list examples: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return []models.FewShotExample{}, nil
	}
	return (*results)[0].Result, nil
}

// GetEnabledModel returns the application's enabled fine-tuned model, or
// nil when none is registered.
func (c *Client) GetEnabledModel(ctx context.Context, application string) (*models.FineTunedModel, error) {
	results, err := surrealdb.Query[[]models.FineTunedModel](ctx, c.db, `
		SELECT * FROM finetuned_model
		WHERE application = $application AND enabled = true
		ORDER BY created DESC LIMIT 1
	`, map[string]any{"application": application})
	if err != nil {
		return nil, fmt.Errorf("get enabled model: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	return &(*results)[0].Result[0], nil
}

// RegisterModel stores a fine-tuned model name for an application.
func (c *Client) RegisterModel(ctx context.Context, application, modelName string, enabled bool) (*models.FineTunedModel, error) {
	results, err := surrealdb.Query[[]models.FineTunedModel](ctx, c.db, `
		CREATE finetuned_model SET
			application = $application,
			model_name = $model_name,
			enabled = $enabled
		RETURN AFTER
	`, map[string]any{
		"application": application,
		"model_name":  modelName,
		"enabled":     enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("register model: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("register model: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// CreateMessage records the start of one chat turn under the given id.
func (c *Client) CreateMessage(ctx context.Context, id, application, taskID, question string) (*models.Message, error) {
	results, err := surrealdb.Query[[]models.Message](ctx, c.db, `
		CREATE type::record("message", $id) SET
			application = $application,
			task_id = $task_id,
			question = $question,
			is_cancelled = false
		RETURN AFTER
	`, map[string]any{
		"id":          id,
		"application": application,
		"task_id":     taskID,
		"question":    question,
	})
	if err != nil {
		return nil, fmt.Errorf("create message: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("create message: no result returned")
	}
	return &(*results)[0].Result[0], nil
}

// GetMessage loads one chat turn record by id.
func (c *Client) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	results, err := surrealdb.Query[[]models.Message](ctx, c.db, `
		SELECT * FROM type::record("message", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get message: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("get message %q: %w", id, ErrNotFound)
	}
	return &(*results)[0].Result[0], nil
}

// SaveChartOption attaches a rendered chart configuration to a completed
// message's answer.
func (c *Client) SaveChartOption(ctx context.Context, id, option string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("message", $id) SET
			answer.chart_option = $option
	`, map[string]any{"id": id, "option": option})
	if err != nil {
		return fmt.Errorf("save chart option: %w", err)
	}
	return nil
}

// CompleteMessage attaches the turn outcome to a message.
func (c *Client) CompleteMessage(ctx context.Context, id string, answer models.Answer, optimizedQuestion string, sqlList []string, validSQL, queryResult string, stepTimes map[string]float64) error {
	if sqlList == nil {
		sqlList = []string{}
	}
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("message", $id) SET
			answer = $answer,
			optimized_question = $optimized_question,
			sql_list = $sql_list,
			valid_sql = $valid_sql,
			query_result = $query_result,
			step_times = $step_times,
			completed = time::now()
	`, map[string]any{
		"id":                 id,
		"answer":             answer,
		"optimized_question": optimizedQuestion,
		"sql_list":           sqlList,
		"valid_sql":          validSQL,
		"query_result":       queryResult,
		"step_times":         stepTimes,
	})
	if err != nil {
		return fmt.Errorf("complete message: %w", err)
	}
	return nil
}

// CancelMessage marks a turn cancelled and records the fixed cancelled
// answer.
func (c *Client) CancelMessage(ctx context.Context, id string, answer models.Answer) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		UPDATE type::record("message", $id) SET
			is_cancelled = true,
			answer = $answer,
			completed = time::now()
	`, map[string]any{"id": id, "answer": answer})
	if err != nil {
		return fmt.Errorf("cancel message: %w", err)
	}
	return nil
}

// IsCancelled reports the message's cancellation flag. Polled by the
// stream producer between increments.
func (c *Client) IsCancelled(ctx context.Context, id string) (bool, error) {
	results, err := surrealdb.Query[[]struct {
		IsCancelled bool `json:"is_cancelled"`
	}](ctx, c.db, `
		SELECT is_cancelled FROM type::record("message", $id)
	`, map[string]any{"id": id})
	if err != nil {
		return false, fmt.Errorf("check cancelled: %w", err)
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return false, fmt.Errorf("check cancelled %q: %w", id, ErrNotFound)
	}
	return (*results)[0].Result[0].IsCancelled, nil
}

// RecentQuestions returns the application's most recent optimized
// questions (falling back to the raw question), oldest first, limited to
// count. Used to build the contextual question for a new turn.
func (c *Client) RecentQuestions(ctx context.Context, application string, count int) ([]string, error) {
	results, err := surrealdb.Query[[]struct {
		Question          string `json:"question"`
		OptimizedQuestion string `json:"optimized_question"`
	}](ctx, c.db, `
		SELECT question, optimized_question FROM message
		WHERE application = $application AND is_cancelled = false
		ORDER BY created DESC LIMIT $count
	`, map[string]any{"application": application, "count": count})
	if err != nil {
		return nil, fmt.Errorf("recent questions: %w", err)
	}

	var questions []string
	if results != nil && len(*results) > 0 {
		rows := (*results)[0].Result
		// newest-first from the query; reverse to chronological order
		for i := len(rows) - 1; i >= 0; i-- {
			q := rows[i].OptimizedQuestion
			if q == "" {
				q = rows[i].Question
			}
			questions = append(questions, q)
		}
	}
	return questions, nil
}
