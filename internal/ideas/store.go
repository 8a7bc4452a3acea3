package ideas

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/xid"
)

var ErrNotFound = errors.New("not found")

type Status string

const (
	StatusNew       Status = "new"
	StatusReviewing Status = "reviewing"
	StatusPlanned   Status = "planned"
	StatusDone      Status = "done"
	StatusRejected  Status = "rejected"
)

type Folder struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type Idea struct {
	ID        string         `json:"id"`
	FolderID  string         `json:"folder_id,omitempty"`
	Title     string         `json:"title"`
	Body      string         `json:"body"`
	Status    Status         `json:"status"`
	Published bool           `json:"published"`
	Reactions map[string]int `json:"reactions"`
	Comments  []Comment      `json:"comments,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Summary is the hub view of an idea: counters instead of comment bodies.
type Summary struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	Status    Status         `json:"status"`
	Reactions map[string]int `json:"reactions"`
	Comments  int            `json:"comments"`
	CreatedAt time.Time      `json:"created_at"`
}

// Update is a partial admin edit; nil fields are left alone.
type Update struct {
	Status    *Status
	FolderID  *string
	Published *bool
}

// Store holds the board in memory.
type Store struct {
	mu      sync.RWMutex
	now     func() time.Time
	folders map[string]*Folder
	ideas   map[string]*Idea
}

func NewStore(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:     now,
		folders: map[string]*Folder{},
		ideas:   map[string]*Idea{},
	}
}

func (s *Store) CreateFolder(name string) Folder {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := &Folder{
		ID:        xid.New().String(),
		Name:      name,
		Position:  len(s.folders),
		CreatedAt: s.now(),
	}
	s.folders[f.ID] = f
	return *f
}

func (s *Store) Folders() []Folder {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Folder, 0, len(s.folders))
	for _, f := range s.folders {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *Store) Submit(title, body, folderID string) (Idea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if folderID != "" {
		if _, ok := s.folders[folderID]; !ok {
			return Idea{}, ErrNotFound
		}
	}
	idea := &Idea{
		ID:        xid.New().String(),
		FolderID:  folderID,
		Title:     title,
		Body:      body,
		Status:    StatusNew,
		Reactions: map[string]int{},
		CreatedAt: s.now(),
	}
	s.ideas[idea.ID] = idea
	return copyIdea(idea), nil
}

func (s *Store) Get(id string) (Idea, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idea, ok := s.ideas[id]
	if !ok {
		return Idea{}, ErrNotFound
	}
	return copyIdea(idea), nil
}

func (s *Store) Update(id string, u Update) (Idea, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idea, ok := s.ideas[id]
	if !ok {
		return Idea{}, ErrNotFound
	}
	if u.FolderID != nil && *u.FolderID != "" {
		if _, ok := s.folders[*u.FolderID]; !ok {
			return Idea{}, ErrNotFound
		}
	}

	if u.Status != nil {
		idea.Status = *u.Status
	}
	if u.FolderID != nil {
		idea.FolderID = *u.FolderID
	}
	if u.Published != nil {
		idea.Published = *u.Published
	}
	return copyIdea(idea), nil
}

func (s *Store) Comment(ideaID, author, body string) (Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idea, ok := s.ideas[ideaID]
	if !ok {
		return Comment{}, ErrNotFound
	}
	c := Comment{
		ID:        xid.New().String(),
		Author:    author,
		Body:      body,
		CreatedAt: s.now(),
	}
	idea.Comments = append(idea.Comments, c)
	return c, nil
}

// React bumps the kind counter and returns the idea's new counters.
func (s *Store) React(ideaID, kind string) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idea, ok := s.ideas[ideaID]
	if !ok {
		return nil, ErrNotFound
	}
	idea.Reactions[kind]++
	return copyCounts(idea.Reactions), nil
}

// Hub lists published ideas, newest first.
func (s *Store) Hub() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := []Summary{}
	for _, idea := range s.ideas {
		if !idea.Published {
			continue
		}
		out = append(out, Summary{
			ID:        idea.ID,
			Title:     idea.Title,
			Status:    idea.Status,
			Reactions: copyCounts(idea.Reactions),
			Comments:  len(idea.Comments),
			CreatedAt: idea.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func copyIdea(in *Idea) Idea {
	out := *in
	out.Reactions = copyCounts(in.Reactions)
	out.Comments = append([]Comment(nil), in.Comments...)
	return out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
