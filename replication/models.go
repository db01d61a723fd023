// Copyright 2025 akazwz
// SPDX-License-Identifier: Apache-2.0

package replication

import "time"

// Typed row models for the authoritative store. Documents on the wire are
// schemaless maps; rows in Postgres are not. The conversions below are the
// single place where the two shapes meet.

// Conversation is a chat conversation row.
type Conversation struct {
	ID        string
	Name      string
	OwnerID   string
	Stared    bool
	Pinned    bool
	Topic     string
	Summary   string
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToDocument converts the row to its wire representation.
func (c *Conversation) ToDocument() Document {
	return Document{
		"id":        c.ID,
		"name":      c.Name,
		"ownerId":   c.OwnerID,
		"stared":    c.Stared,
		"pinned":    c.Pinned,
		"topic":     c.Topic,
		"summary":   c.Summary,
		"deleted":   c.Deleted,
		"createdAt": WireTime(c.CreatedAt),
		"updatedAt": WireTime(c.UpdatedAt),
	}
}

func conversationFromDocument(doc Document, now time.Time) *Conversation {
	createdAt := doc.TimeField(FieldCreatedAt)
	if createdAt.IsZero() {
		createdAt = now
	}
	return &Conversation{
		ID:        doc.ID(),
		Name:      doc.StringField("name"),
		OwnerID:   doc.StringField("ownerId"),
		Stared:    doc.BoolField("stared"),
		Pinned:    doc.BoolField("pinned"),
		Topic:     doc.StringField("topic"),
		Summary:   doc.StringField("summary"),
		Deleted:   doc.Deleted(),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
}

// Message is a single chat message row. Messages have no owner column; they
// belong to a user through their conversation.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Image          string
	Deleted        bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ToDocument converts the row to its wire representation.
func (m *Message) ToDocument() Document {
	return Document{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"role":           m.Role,
		"content":        m.Content,
		"image":          m.Image,
		"deleted":        m.Deleted,
		"createdAt":      WireTime(m.CreatedAt),
		"updatedAt":      WireTime(m.UpdatedAt),
	}
}

func messageFromDocument(doc Document, now time.Time) *Message {
	createdAt := doc.TimeField(FieldCreatedAt)
	if createdAt.IsZero() {
		createdAt = now
	}
	return &Message{
		ID:             doc.ID(),
		ConversationID: doc.StringField("conversationId"),
		Role:           doc.StringField("role"),
		Content:        doc.StringField("content"),
		Image:          doc.StringField("image"),
		Deleted:        doc.Deleted(),
		CreatedAt:      createdAt,
		UpdatedAt:      now,
	}
}

// User is an account row. Identity is server-assigned; replication only ever
// updates the authenticated user's own row.
type User struct {
	ID        string
	Email     string
	Name      string
	Avatar    string
	Plan      string
	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ToDocument converts the row to its wire representation.
func (u *User) ToDocument() Document {
	return Document{
		"id":        u.ID,
		"email":     u.Email,
		"name":      u.Name,
		"avatar":    u.Avatar,
		"plan":      u.Plan,
		"deleted":   u.Deleted,
		"createdAt": WireTime(u.CreatedAt),
		"updatedAt": WireTime(u.UpdatedAt),
	}
}

func userFromDocument(doc Document, now time.Time) *User {
	createdAt := doc.TimeField(FieldCreatedAt)
	if createdAt.IsZero() {
		createdAt = now
	}
	plan := doc.StringField("plan")
	if plan == "" {
		plan = "free"
	}
	return &User{
		ID:        doc.ID(),
		Email:     doc.StringField("email"),
		Name:      doc.StringField("name"),
		Avatar:    doc.StringField("avatar"),
		Plan:      plan,
		Deleted:   doc.Deleted(),
		CreatedAt: createdAt,
		UpdatedAt: now,
	}
}
