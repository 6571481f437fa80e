package schema

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct validates v against its struct tags and flattens the
// failures into one readable error.
func ValidateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, formatFieldError(fe))
	}
	return errors.New(strings.Join(msgs, ", "))
}

func formatFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	switch fe.Tag() {
	case "required", "required_without", "required_if":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

// PostDraft is the user input for a new post.
type PostDraft struct {
	Content        string      `json:"content" validate:"required_without=Media,max=2000"`
	Type           PostType    `json:"type" validate:"required,oneof=original repost quote reply poll"`
	QuotedPostID   string      `json:"quoted_post_id,omitempty" validate:"required_if=Type quote"`
	RepostedPostID string      `json:"reposted_post_id,omitempty" validate:"required_if=Type repost"`
	ParentPostID   string      `json:"parent_post_id,omitempty" validate:"required_if=Type reply"`
	Media          []MediaItem `json:"media,omitempty" validate:"max=4,dive"`
	Poll           *Poll       `json:"poll,omitempty" validate:"required_if=Type poll"`
}

// PostPatch is a user edit of a post. Nil fields are left unchanged; a
// non-nil empty Media slice clears the attachments.
type PostPatch struct {
	Content *string     `json:"content,omitempty" validate:"omitempty,min=1,max=2000"`
	Media   []MediaItem `json:"media,omitempty" validate:"omitempty,max=4,dive"`
}

// Empty reports whether the patch changes nothing.
func (p *PostPatch) Empty() bool {
	return p.Content == nil && p.Media == nil
}

// ApplyTo merges the patch into post. It returns true if anything changed.
func (p *PostPatch) ApplyTo(post *Post) bool {
	changed := false
	if p.Content != nil && *p.Content != post.Content {
		post.Content = *p.Content
		changed = true
	}
	if p.Media != nil {
		post.Media = append([]MediaItem(nil), p.Media...)
		changed = true
	}
	return changed
}

// PostChange is a partial post row delivered by the remote. Content fields
// are guarded by UpdatedAt (last writer wins); counters are absolute values
// and always applied, so two changes touching different fields commute.
type PostChange struct {
	ID             string       `json:"id" validate:"required"`
	OwnerID        *string      `json:"owner_id,omitempty"`
	Content        *string      `json:"content,omitempty" validate:"omitempty,max=2000"`
	Type           *PostType    `json:"type,omitempty" validate:"omitempty,oneof=original repost quote reply poll"`
	QuotedPostID   *string      `json:"quoted_post_id,omitempty"`
	RepostedPostID *string      `json:"reposted_post_id,omitempty"`
	ParentPostID   *string      `json:"parent_post_id,omitempty"`
	Media          *[]MediaItem `json:"media,omitempty"`
	Poll           *Poll        `json:"poll,omitempty"`
	Likes          *int64       `json:"like_count,omitempty" validate:"omitempty,gte=0"`
	Dislikes       *int64       `json:"dislike_count,omitempty" validate:"omitempty,gte=0"`
	Laughs         *int64       `json:"laugh_count,omitempty" validate:"omitempty,gte=0"`
	Reposts        *int64       `json:"repost_count,omitempty" validate:"omitempty,gte=0"`
	Replies        *int64       `json:"reply_count,omitempty" validate:"omitempty,gte=0"`
	Deleted        *bool        `json:"deleted,omitempty"`
	CreatedAt      *time.Time   `json:"created_at,omitempty"`
	UpdatedAt      *time.Time   `json:"updated_at,omitempty"`
}

// HasCounters reports whether the change carries any counter value.
func (c *PostChange) HasCounters() bool {
	return c.Likes != nil || c.Dislikes != nil || c.Laughs != nil || c.Reposts != nil || c.Replies != nil
}

// ChangeSet reports which parts of a post a merge touched.
type ChangeSet struct {
	Content  bool
	Counters bool
	Likes    bool
}

// Any reports whether anything changed.
func (c ChangeSet) Any() bool { return c.Content || c.Counters }

// ApplyTo merges the change into post.
func (c *PostChange) ApplyTo(post *Post) ChangeSet {
	var cs ChangeSet

	// Content is last-writer-wins on updated_at. A change without a
	// timestamp is treated as current.
	contentWins := c.UpdatedAt == nil || !c.UpdatedAt.Before(post.LastModified())
	if contentWins {
		setStr := func(dst *string, src *string) {
			if src != nil && *dst != *src {
				*dst = *src
				cs.Content = true
			}
		}
		setStr(&post.OwnerID, c.OwnerID)
		setStr(&post.Content, c.Content)
		setStr(&post.QuotedPostID, c.QuotedPostID)
		setStr(&post.RepostedPostID, c.RepostedPostID)
		setStr(&post.ParentPostID, c.ParentPostID)
		if c.Type != nil && *c.Type != post.Type {
			post.Type = *c.Type
			cs.Content = true
		}
		if c.Media != nil {
			post.Media = append([]MediaItem(nil), (*c.Media)...)
			cs.Content = true
		}
		if c.Poll != nil {
			p := *c.Poll
			post.Poll = &p
			cs.Content = true
		}
		if c.CreatedAt != nil && !c.CreatedAt.Equal(post.CreatedAt) {
			post.CreatedAt = *c.CreatedAt
			cs.Content = true
		}
		if c.UpdatedAt != nil && (post.UpdatedAt == nil || !c.UpdatedAt.Equal(*post.UpdatedAt)) {
			u := *c.UpdatedAt
			post.UpdatedAt = &u
			cs.Content = true
		}
	}

	setCount := func(dst *int64, src *int64) bool {
		if src != nil && *dst != *src {
			*dst = *src
			cs.Counters = true
			return true
		}
		return false
	}
	cs.Likes = setCount(&post.Likes, c.Likes)
	setCount(&post.Dislikes, c.Dislikes)
	setCount(&post.Laughs, c.Laughs)
	setCount(&post.Reposts, c.Reposts)
	setCount(&post.Replies, c.Replies)

	return cs
}

// UserPatch is a partial user row. It is used for remote profile changes.
type UserPatch struct {
	ID          string     `json:"id" validate:"required"`
	Username    *string    `json:"username,omitempty" validate:"omitempty,min=1,max=64"`
	DisplayName *string    `json:"display_name,omitempty" validate:"omitempty,max=128"`
	AvatarURL   *string    `json:"avatar_url,omitempty" validate:"omitempty,max=2048"`
	Verified    *bool      `json:"verified,omitempty"`
	Suspended   *bool      `json:"suspended,omitempty"`
	Active      *bool      `json:"active,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
}

// ApplyTo merges the patch into u. It returns true if anything changed.
func (p *UserPatch) ApplyTo(u *User) bool {
	changed := false
	str := func(dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}
	flag := func(dst *bool, src *bool) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}
	if u.ID == "" {
		u.ID = p.ID
		u.Active = true
		changed = true
	}
	str(&u.Username, p.Username)
	str(&u.DisplayName, p.DisplayName)
	str(&u.AvatarURL, p.AvatarURL)
	flag(&u.Verified, p.Verified)
	flag(&u.Suspended, p.Suspended)
	flag(&u.Active, p.Active)
	if p.UpdatedAt != nil && !p.UpdatedAt.Equal(u.UpdatedAt) {
		u.UpdatedAt = *p.UpdatedAt
		changed = true
	}
	return changed
}
