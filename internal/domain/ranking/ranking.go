// Package ranking содержит движок ранжирования: глобальный рейтинг когорты,
// рейтинг внутри группы, внутри UE и внутри модуля.
//
// Правила:
//   - сортировка по значению по убыванию, при равенстве - по алфавиту (SortName);
//   - равные значения получают одинаковую позицию с пометкой "ex" (ex-aequo);
//   - следующая позиция после серии - "реальная" (1 ex, 1 ex, 3);
//   - строки без числового значения идут в конец и ранга не получают.
package ranking

import (
	"errors"
	"fmt"
	"sort"
)

// ══════════════════════════════════════════════════════════════════════════════
// VALUE OBJECTS
// ══════════════════════════════════════════════════════════════════════════════

// Rank представляет позицию студента. Позиция начинается с 1.
type Rank struct {
	Position int
	ExAequo  bool
}

// IsValid проверяет, что ранг присвоен.
func (r Rank) IsValid() bool {
	return r.Position > 0
}

// String возвращает метку ранга: "3" или "1 ex". Для пустого ранга - "".
func (r Rank) String() string {
	if !r.IsValid() {
		return ""
	}
	if r.ExAequo {
		return fmt.Sprintf("%d ex", r.Position)
	}
	return fmt.Sprintf("%d", r.Position)
}

// Row - входная строка для ранжирования.
type Row struct {
	// StudentID - идентификатор студента.
	StudentID string

	// SortName - вторичный ключ сортировки (алфавитный порядок имён).
	SortName string

	// Value - значение, по которому ранжируем.
	Value float64

	// Valid - false для NI/NA/ERR: такие строки не ранжируются.
	Valid bool
}

// Entry - строка рейтинга после сортировки.
type Entry struct {
	Row
	Rank Rank
}

// ══════════════════════════════════════════════════════════════════════════════
// RANKING
// ══════════════════════════════════════════════════════════════════════════════

// Ranking представляет полный отсортированный список строк.
type Ranking struct {
	entries []*Entry
	byID    map[string]*Entry
	ranked  int
	sorted  bool
}

// NewRanking создаёт пустой Ranking.
func NewRanking() *Ranking {
	return &Ranking{
		entries: make([]*Entry, 0),
		byID:    make(map[string]*Entry),
	}
}

// Compute строит и сортирует рейтинг по набору строк.
// Дубликаты StudentID игнорируются (оставляется первая строка).
func Compute(rows []Row) *Ranking {
	r := NewRanking()
	for _, row := range rows {
		_ = r.Add(row)
	}
	r.Sort()
	return r
}

// Add добавляет строку в рейтинг (без автоматической сортировки).
func (r *Ranking) Add(row Row) error {
	if row.StudentID == "" {
		return ErrEmptyStudentID
	}
	if _, exists := r.byID[row.StudentID]; exists {
		return ErrDuplicateStudent
	}

	e := &Entry{Row: row}
	r.entries = append(r.entries, e)
	r.byID[row.StudentID] = e
	r.sorted = false
	return nil
}

// Sort сортирует строки и присваивает ранги.
func (r *Ranking) Sort() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i], r.entries[j]
		// Числовые значения - вперёд
		if a.Valid != b.Valid {
			return a.Valid
		}
		// По убыванию значения
		if a.Valid && a.Value != b.Value {
			return a.Value > b.Value
		}
		// При равенстве - по алфавиту, затем по ID для полной детерминированности
		if a.SortName != b.SortName {
			return a.SortName < b.SortName
		}
		return a.StudentID < b.StudentID
	})

	r.ranked = 0
	for i := 0; i < len(r.entries); {
		e := r.entries[i]
		if !e.Valid {
			e.Rank = Rank{}
			i++
			continue
		}

		// Находим серию одинаковых значений [i, j)
		j := i + 1
		for j < len(r.entries) && r.entries[j].Valid && r.entries[j].Value == e.Value {
			j++
		}

		rank := Rank{Position: i + 1, ExAequo: j-i > 1}
		for k := i; k < j; k++ {
			r.entries[k].Rank = rank
		}
		r.ranked += j - i
		i = j
	}
	r.sorted = true
}

// Get возвращает ранг студента. ok == false, если студента нет в рейтинге
// или его значение не числовое.
func (r *Ranking) Get(studentID string) (Rank, bool) {
	if !r.sorted {
		r.Sort()
	}
	e, ok := r.byID[studentID]
	if !ok || !e.Rank.IsValid() {
		return Rank{}, false
	}
	return e.Rank, true
}

// Label возвращает метку ранга ("" если ранга нет).
func (r *Ranking) Label(studentID string) string {
	rank, _ := r.Get(studentID)
	return rank.String()
}

// Denominator возвращает число студентов с числовым значением -
// знаменатель для отображения "3 / 42".
func (r *Ranking) Denominator() int {
	if !r.sorted {
		r.Sort()
	}
	return r.ranked
}

// Count возвращает общее количество строк (включая неранжированные).
func (r *Ranking) Count() int {
	return len(r.entries)
}

// Labels возвращает метки для всех ранжированных студентов.
func (r *Ranking) Labels() map[string]string {
	if !r.sorted {
		r.Sort()
	}
	out := make(map[string]string, r.ranked)
	for _, e := range r.entries {
		if e.Rank.IsValid() {
			out[e.StudentID] = e.Rank.String()
		}
	}
	return out
}

// All возвращает копию всех записей в порядке рейтинга.
func (r *Ranking) All() []Entry {
	if !r.sorted {
		r.Sort()
	}
	out := make([]Entry, len(r.entries))
	for i, e := range r.entries {
		out[i] = *e
	}
	return out
}

// Subset строит новый рейтинг только по указанным студентам (например, по группе).
// Позиции пересчитываются внутри подмножества.
func (r *Ranking) Subset(studentIDs []string) *Ranking {
	rows := make([]Row, 0, len(studentIDs))
	for _, id := range studentIDs {
		if e, ok := r.byID[id]; ok {
			rows = append(rows, e.Row)
		}
	}
	return Compute(rows)
}

// ══════════════════════════════════════════════════════════════════════════════
// DOMAIN ERRORS
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEmptyStudentID - пустой ID студента.
	ErrEmptyStudentID = errors.New("invalid student id: cannot be empty")

	// ErrDuplicateStudent - студент уже есть в рейтинге.
	ErrDuplicateStudent = errors.New("student already exists in ranking")
)
