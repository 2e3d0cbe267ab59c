package api

import (
	"database/sql"
	"net/http"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/outreach-engine/internal/domain"
)

func validTemplateBody() map[string]any {
	return map[string]any{
		"name":        "Founder outreach",
		"description": "Three-touch SaaS founder sequence",
		"steps": []map[string]any{
			{"step_number": 1, "channel": "email", "day_offset": 0, "action": "send_email"},
			{"step_number": 2, "channel": "linkedin", "day_offset": 2, "action": "connection_request"},
		},
	}
}

func TestCreateTemplate(t *testing.T) {
	f := setupServer(t)

	f.mock.ExpectBegin()
	f.mock.ExpectExec("INSERT INTO campaign_templates").
		WithArgs(sqlmock.AnyArg(), "Founder outreach", "Three-touch SaaS founder sequence",
			"draft", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep := f.mock.ExpectPrepare("INSERT INTO campaign_template_steps")
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), 1, "email", 0, "send_email", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	prep.ExpectExec().
		WithArgs(sqlmock.AnyArg(), 2, "linkedin", 2, "connection_request", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	rr := f.do(http.MethodPost, "/api/campaigns/templates", validTemplateBody(), bootstrapKey)

	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	data := dataMap(t, rr)
	assert.NotEmpty(t, data["id"])
	assert.Equal(t, "draft", data["status"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestCreateTemplateUnknownChannel(t *testing.T) {
	f := setupServer(t)

	body := validTemplateBody()
	body["steps"] = []map[string]any{
		{"step_number": 1, "channel": "fax", "day_offset": 0, "action": "send_email"},
	}
	rr := f.do(http.MethodPost, "/api/campaigns/templates", body, bootstrapKey)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeEnvelope(t, rr).Error, "validation failed")
}

func TestCreateTemplateNonContiguousSteps(t *testing.T) {
	f := setupServer(t)

	body := validTemplateBody()
	body["steps"] = []map[string]any{
		{"step_number": 1, "channel": "email", "day_offset": 0, "action": "send_email"},
		{"step_number": 3, "channel": "email", "day_offset": 2, "action": "send_email"},
	}
	rr := f.do(http.MethodPost, "/api/campaigns/templates", body, bootstrapKey)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeEnvelope(t, rr).Error, "contiguous")
}

func TestCreateTemplateDecreasingOffsetRejected(t *testing.T) {
	f := setupServer(t)

	body := validTemplateBody()
	body["steps"] = []map[string]any{
		{"step_number": 1, "channel": "email", "day_offset": 3, "action": "send_email"},
		{"step_number": 2, "channel": "email", "day_offset": 1, "action": "send_email"},
	}
	rr := f.do(http.MethodPost, "/api/campaigns/templates", body, bootstrapKey)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeEnvelope(t, rr).Error, "day_offset")
}

func TestActivateTemplate(t *testing.T) {
	f := setupServer(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM campaign_templates WHERE id = \\$1 FOR UPDATE").
		WithArgs("tpl-1").
		WillReturnRows(templateRow("tpl-1", "Founder outreach", domain.TemplateDraft))
	f.mock.ExpectQuery("FROM campaign_template_steps WHERE template_id").
		WithArgs("tpl-1").
		WillReturnRows(stepRows(domain.SequenceStep{
			StepNumber: 1, Channel: domain.ChannelEmail, DayOffset: 0, Action: domain.ActionSendEmail,
		}))
	f.mock.ExpectExec("UPDATE campaign_templates SET status").
		WithArgs("tpl-1", "active").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	rr := f.do(http.MethodPost, "/api/campaigns/templates/tpl-1/activate", nil, bootstrapKey)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	data := dataMap(t, rr)
	assert.Equal(t, "active", data["status"])
	assert.Len(t, data["steps"], 1)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestActivateTemplateWithoutStepsRejected(t *testing.T) {
	f := setupServer(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM campaign_templates WHERE id = \\$1 FOR UPDATE").
		WithArgs("tpl-1").
		WillReturnRows(templateRow("tpl-1", "Founder outreach", domain.TemplateDraft))
	f.mock.ExpectQuery("FROM campaign_template_steps WHERE template_id").
		WithArgs("tpl-1").
		WillReturnRows(stepRows())
	f.mock.ExpectRollback()

	rr := f.do(http.MethodPost, "/api/campaigns/templates/tpl-1/activate", nil, bootstrapKey)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeEnvelope(t, rr).Error, "no steps")
}

func TestActivateArchivedTemplateRejected(t *testing.T) {
	f := setupServer(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM campaign_templates WHERE id = \\$1 FOR UPDATE").
		WithArgs("tpl-1").
		WillReturnRows(templateRow("tpl-1", "Founder outreach", domain.TemplateArchived))
	f.mock.ExpectQuery("FROM campaign_template_steps WHERE template_id").
		WithArgs("tpl-1").
		WillReturnRows(stepRows(domain.SequenceStep{
			StepNumber: 1, Channel: domain.ChannelEmail, DayOffset: 0, Action: domain.ActionSendEmail,
		}))
	f.mock.ExpectRollback()

	rr := f.do(http.MethodPost, "/api/campaigns/templates/tpl-1/activate", nil, bootstrapKey)

	require.Equal(t, http.StatusConflict, rr.Code)
}

func TestUpdateActiveTemplateConflicts(t *testing.T) {
	f := setupServer(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT status FROM campaign_templates WHERE id").
		WithArgs("tpl-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("active"))
	f.mock.ExpectRollback()

	rr := f.do(http.MethodPut, "/api/campaigns/templates/tpl-1", validTemplateBody(), bootstrapKey)

	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, decodeEnvelope(t, rr).Error, "immutable")
}

func TestArchiveTemplate(t *testing.T) {
	f := setupServer(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("FROM campaign_templates WHERE id = \\$1 FOR UPDATE").
		WithArgs("tpl-1").
		WillReturnRows(templateRow("tpl-1", "Founder outreach", domain.TemplateActive))
	f.mock.ExpectExec("UPDATE campaign_templates SET status").
		WithArgs("tpl-1", "archived").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	rr := f.do(http.MethodPost, "/api/campaigns/templates/tpl-1/archive", nil, bootstrapKey)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "archived", dataMap(t, rr)["status"])
}

func TestGetTemplateNotFound(t *testing.T) {
	f := setupServer(t)

	f.mock.ExpectQuery("FROM campaign_templates WHERE id").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	rr := f.do(http.MethodGet, "/api/campaigns/templates/nope", nil, bootstrapKey)

	require.Equal(t, http.StatusNotFound, rr.Code)
}
