package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"golang.org/x/sync/errgroup"

	"github.com/alem-hub/gradebook/internal/domain/gradebook"
	"github.com/alem-hub/gradebook/internal/domain/shared"
)

// ══════════════════════════════════════════════════════════════════════════════
// SEMESTER REPOSITORY
// ══════════════════════════════════════════════════════════════════════════════

// SemesterRepository loads everything a semester computation needs.
// It implements gradebook.Source.
//
// The per-table queries run in parallel on the pool, so they do not share a
// snapshot. A write landing between two of them raises a change notification,
// and the service discards results whose generation moved during the load.
type SemesterRepository struct {
	conn *Connection
	sb   sq.StatementBuilderType
}

// NewSemesterRepository creates a new SemesterRepository.
func NewSemesterRepository(conn *Connection) *SemesterRepository {
	return &SemesterRepository{
		conn: conn,
		sb:   sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

var _ gradebook.Source = (*SemesterRepository)(nil)

// LoadSemester implements gradebook.Source.
func (r *SemesterRepository) LoadSemester(ctx context.Context, semesterID string) (*gradebook.Input, error) {
	if semesterID == "" {
		return nil, shared.ErrEmptySemesterID
	}

	in, err := r.loadSemesterRow(ctx, semesterID)
	if err != nil {
		return nil, err
	}

	var (
		evaluations []gradebook.Evaluation
		grades      map[string]map[string]gradebook.Grade
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		in.Students, err = r.loadStudents(gctx, semesterID)
		return err
	})
	g.Go(func() (err error) {
		in.UEs, in.ForcedCoefficients, err = r.loadUEs(gctx, semesterID, in.FormationID)
		return err
	})
	g.Go(func() (err error) {
		in.Subjects, err = r.loadSubjects(gctx, semesterID, in.FormationID)
		return err
	})
	g.Go(func() (err error) {
		in.Modules, err = r.loadModules(gctx, semesterID)
		return err
	})
	g.Go(func() (err error) {
		evaluations, err = r.loadEvaluations(gctx, semesterID)
		return err
	})
	g.Go(func() (err error) {
		grades, err = r.loadGrades(gctx, semesterID)
		return err
	})
	g.Go(func() (err error) {
		in.Capitalizations, err = r.loadCapitalizations(gctx, semesterID)
		return err
	})
	g.Go(func() (err error) {
		in.JuryDecisions, err = r.loadJuryDecisions(gctx, semesterID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for i := range evaluations {
		evaluations[i].Grades = grades[evaluations[i].ID]
		if evaluations[i].Grades == nil {
			evaluations[i].Grades = map[string]gradebook.Grade{}
		}
	}
	in.Evaluations = evaluations

	return in, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Queries
// ─────────────────────────────────────────────────────────────────────────────

func (r *SemesterRepository) loadSemesterRow(ctx context.Context, semesterID string) (*gradebook.Input, error) {
	query, args, err := r.sb.
		Select("id", "formation_id", "title", "settings").
		From("semesters").
		Where(sq.Eq{"id": semesterID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build semester query: %w", err)
	}

	in := &gradebook.Input{}
	var settings []byte
	err = r.conn.QueryRow(ctx, query, args...).Scan(&in.SemesterID, &in.FormationID, &in.Title, &settings)
	if err != nil {
		if IsNoRows(err) {
			return nil, shared.ErrSemesterNotFound
		}
		return nil, fmt.Errorf("failed to load semester %s: %w", semesterID, err)
	}

	in.Settings, err = decodeSettings(settings)
	if err != nil {
		return nil, fmt.Errorf("semester %s: %w", semesterID, err)
	}
	return in, nil
}

// decodeSettings overlays the stored JSON on the defaults, so a department
// only stores the preferences it changed.
func decodeSettings(raw []byte) (gradebook.Settings, error) {
	s := gradebook.DefaultSettings()
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("invalid settings: %w", err)
	}
	return s, nil
}

func (r *SemesterRepository) loadStudents(ctx context.Context, semesterID string) ([]gradebook.Student, error) {
	query, args, err := r.sb.
		Select("s.id", "s.name", "s.first_name", "i.state", "i.groups").
		From("inscriptions i").
		Join("students s ON s.id = i.student_id").
		Where(sq.Eq{"i.semester_id": semesterID}).
		OrderBy("s.name", "s.first_name", "s.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build students query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	var out []gradebook.Student
	for rows.Next() {
		var (
			st    gradebook.Student
			state string
		)
		if err := rows.Scan(&st.ID, &st.Name, &st.FirstName, &state, &st.Groups); err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		st.State = gradebook.EnrollmentState(state)
		out = append(out, st)
	}
	return out, rows.Err()
}

// semesterUEIDs selects the UEs referenced by the semester's modules.
func semesterUEIDs(semesterID string) sq.Sqlizer {
	return sq.Expr(
		"u.id IN (SELECT m.ue_id FROM module_impls mi JOIN modules m ON m.id = mi.module_id WHERE mi.semester_id = ?)",
		semesterID,
	)
}

func (r *SemesterRepository) loadUEs(ctx context.Context, semesterID, formationID string) ([]gradebook.UE, map[string]float64, error) {
	query, args, err := r.sb.
		Select(
			"u.id", "u.code", "u.acronym", "u.title", "u.number", "u.type", "u.formation_id",
			"u.coefficient", "u.ects", "COALESCE(sus.formula, '')", "sus.forced_coefficient",
		).
		From("ues u").
		LeftJoin("semester_ue_settings sus ON sus.ue_id = u.id AND sus.semester_id = ?", semesterID).
		Where(sq.Or{sq.Eq{"u.formation_id": formationID}, semesterUEIDs(semesterID)}).
		OrderBy("u.number", "u.code").
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("build ues query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query ues: %w", err)
	}
	defer rows.Close()

	var ues []gradebook.UE
	forced := make(map[string]float64)
	for rows.Next() {
		var (
			ue       gradebook.UE
			ueType   string
			override *float64
		)
		if err := rows.Scan(
			&ue.ID, &ue.Code, &ue.Acronym, &ue.Title, &ue.Number, &ueType, &ue.FormationID,
			&ue.Coefficient, &ue.ECTS, &ue.Formula, &override,
		); err != nil {
			return nil, nil, fmt.Errorf("failed to scan ue: %w", err)
		}
		ue.Type = gradebook.UEType(ueType)
		if override != nil {
			forced[ue.ID] = *override
		}
		ues = append(ues, ue)
	}
	return ues, forced, rows.Err()
}

func (r *SemesterRepository) loadSubjects(ctx context.Context, semesterID, formationID string) ([]gradebook.Subject, error) {
	query, args, err := r.sb.
		Select("sub.id", "sub.ue_id", "sub.title", "sub.number").
		From("subjects sub").
		Where(sq.Or{
			sq.Expr("sub.ue_id IN (SELECT id FROM ues WHERE formation_id = ?)", formationID),
			sq.Expr("sub.id IN (SELECT m.subject_id FROM module_impls mi JOIN modules m ON m.id = mi.module_id WHERE mi.semester_id = ?)", semesterID),
		}).
		OrderBy("sub.number", "sub.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build subjects query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subjects: %w", err)
	}
	defer rows.Close()

	var out []gradebook.Subject
	for rows.Next() {
		var s gradebook.Subject
		if err := rows.Scan(&s.ID, &s.UEID, &s.Title, &s.Number); err != nil {
			return nil, fmt.Errorf("failed to scan subject: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *SemesterRepository) loadModules(ctx context.Context, semesterID string) ([]gradebook.Module, error) {
	query, args, err := r.sb.
		Select(
			"mi.id", "m.code", "m.title", "m.ue_id", "COALESCE(m.subject_id, '')", "m.formation_id",
			"m.number", "m.coefficient", "m.type", "mi.formula",
			"COALESCE(array_agg(me.student_id) FILTER (WHERE me.student_id IS NOT NULL), '{}')",
		).
		From("module_impls mi").
		Join("modules m ON m.id = mi.module_id").
		LeftJoin("module_enrollments me ON me.module_impl_id = mi.id").
		Where(sq.Eq{"mi.semester_id": semesterID}).
		GroupBy("mi.id", "m.id").
		OrderBy("m.number", "m.code").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build modules query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query modules: %w", err)
	}
	defer rows.Close()

	var out []gradebook.Module
	for rows.Next() {
		var (
			m     gradebook.Module
			mType string
		)
		if err := rows.Scan(
			&m.ID, &m.Code, &m.Title, &m.UEID, &m.SubjectID, &m.FormationID,
			&m.Number, &m.Coefficient, &mType, &m.Formula, &m.Enrolled,
		); err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		m.Type = gradebook.ModuleType(mType)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *SemesterRepository) loadEvaluations(ctx context.Context, semesterID string) ([]gradebook.Evaluation, error) {
	query, args, err := r.sb.
		Select("e.id", "e.module_impl_id", "e.number", "e.coefficient", "e.max_score", "e.publish_incomplete").
		From("evaluations e").
		Join("module_impls mi ON mi.id = e.module_impl_id").
		Where(sq.Eq{"mi.semester_id": semesterID}).
		OrderBy("e.module_impl_id", "e.number", "e.id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build evaluations query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []gradebook.Evaluation
	for rows.Next() {
		var ev gradebook.Evaluation
		if err := rows.Scan(&ev.ID, &ev.ModuleID, &ev.Number, &ev.Coefficient, &ev.MaxScore, &ev.PublishIncomplete); err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// loadGrades returns grades keyed by evaluation id, then student id.
func (r *SemesterRepository) loadGrades(ctx context.Context, semesterID string) (map[string]map[string]gradebook.Grade, error) {
	query, args, err := r.sb.
		Select("g.evaluation_id", "g.student_id", "g.kind", "g.score").
		From("grades g").
		Join("evaluations e ON e.id = g.evaluation_id").
		Join("module_impls mi ON mi.id = e.module_impl_id").
		Where(sq.Eq{"mi.semester_id": semesterID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build grades query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query grades: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]gradebook.Grade)
	for rows.Next() {
		var (
			evalID, studentID, kind string
			score                   *float64
		)
		if err := rows.Scan(&evalID, &studentID, &kind, &score); err != nil {
			return nil, fmt.Errorf("failed to scan grade: %w", err)
		}
		grade, err := decodeGrade(kind, score)
		if err != nil {
			return nil, fmt.Errorf("evaluation %s, student %s: %w", evalID, studentID, err)
		}
		if out[evalID] == nil {
			out[evalID] = make(map[string]gradebook.Grade)
		}
		out[evalID][studentID] = grade
	}
	return out, rows.Err()
}

func decodeGrade(kind string, score *float64) (gradebook.Grade, error) {
	switch kind {
	case "NUM":
		if score == nil {
			return gradebook.Grade{}, fmt.Errorf("numeric grade without score")
		}
		return gradebook.Score(*score), nil
	case "ABS":
		return gradebook.Absent(), nil
	case "EXC":
		return gradebook.Excused(), nil
	case "ATT":
		return gradebook.Pending(), nil
	default:
		return gradebook.Grade{}, fmt.Errorf("unknown grade kind %q", kind)
	}
}

// loadCapitalizations returns the UEs earned elsewhere by students of the semester.
func (r *SemesterRepository) loadCapitalizations(ctx context.Context, semesterID string) ([]gradebook.CapitalizedUE, error) {
	query, args, err := r.sb.
		Select(
			"c.student_id", "c.ue_code", "c.average", "COALESCE(c.origin_semester_id, '')",
			"c.event_date", "c.external", "c.origin_module_coefficients",
		).
		From("capitalizations c").
		Join("inscriptions i ON i.student_id = c.student_id").
		Where(sq.Eq{"i.semester_id": semesterID}).
		Where(sq.Expr("COALESCE(c.origin_semester_id, '') <> ?", semesterID)).
		OrderBy("c.student_id", "c.event_date").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build capitalizations query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query capitalizations: %w", err)
	}
	defer rows.Close()

	var out []gradebook.CapitalizedUE
	for rows.Next() {
		var (
			c       gradebook.CapitalizedUE
			average *float64
			date    time.Time
		)
		if err := rows.Scan(&c.StudentID, &c.UECode, &average, &c.OriginSemesterID, &date, &c.External, &c.OriginModuleCoefficients); err != nil {
			return nil, fmt.Errorf("failed to scan capitalization: %w", err)
		}
		// records without an average never take part in the computation
		if average == nil {
			continue
		}
		c.Average = *average
		c.EventDate = date.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SemesterRepository) loadJuryDecisions(ctx context.Context, semesterID string) ([]gradebook.JuryDecision, error) {
	query, args, err := r.sb.
		Select("student_id", "code", "ue_codes").
		From("jury_decisions").
		Where(sq.Eq{"semester_id": semesterID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build jury query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jury decisions: %w", err)
	}
	defer rows.Close()

	var out []gradebook.JuryDecision
	for rows.Next() {
		var (
			d   gradebook.JuryDecision
			raw []byte
		)
		if err := rows.Scan(&d.StudentID, &d.Code, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan jury decision: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &d.UECodes); err != nil {
				return nil, fmt.Errorf("jury decision of %s: invalid ue codes: %w", d.StudentID, err)
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListSemesterIDs returns the ids of all semesters, most recently updated first.
func (r *SemesterRepository) ListSemesterIDs(ctx context.Context, updatedSince time.Time) ([]string, error) {
	q := r.sb.Select("id").From("semesters").OrderBy("updated_at DESC")
	if !updatedSince.IsZero() {
		q = q.Where(sq.GtOrEq{"updated_at": updatedSince})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build semesters query: %w", err)
	}

	rows, err := r.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query semesters: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan semester id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
