package block

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidIndex is returned when an edit addresses a position outside
// the document's content list. Indices are never clamped.
var ErrInvalidIndex = errors.New("invalid index")

func checkIndex(i, n int) error {
	if i < 0 || i >= n {
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidIndex, i, n)
	}
	return nil
}

// Insert places a new empty block of type t at index, shifting later
// blocks by one. index may equal len(Content) to append.
func (d *Document) Insert(index int, id string, t ElementType) error {
	if index < 0 || index > len(d.Content) {
		return fmt.Errorf("%w: %d not in [0, %d]", ErrInvalidIndex, index, len(d.Content))
	}
	el := DocElement{
		ID:    id,
		Type:  t,
		Attrs: map[string]interface{}{},
		Data:  map[string]interface{}{},
	}
	d.Content = append(d.Content, DocElement{})
	copy(d.Content[index+1:], d.Content[index:])
	d.Content[index] = el
	d.touch()
	return nil
}

// Remove deletes the block at index.
func (d *Document) Remove(index int) error {
	if err := checkIndex(index, len(d.Content)); err != nil {
		return err
	}
	d.Content = append(d.Content[:index], d.Content[index+1:]...)
	d.touch()
	return nil
}

// Move pops the block at from and reinserts it at to. Both indices
// address the list as it is before the move.
func (d *Document) Move(from, to int) error {
	if err := checkIndex(from, len(d.Content)); err != nil {
		return err
	}
	if err := checkIndex(to, len(d.Content)); err != nil {
		return err
	}
	el := d.Content[from]
	rest := append(d.Content[:from:from], d.Content[from+1:]...)
	out := make([]DocElement, 0, len(d.Content))
	out = append(out, rest[:to]...)
	out = append(out, el)
	out = append(out, rest[to:]...)
	d.Content = out
	d.touch()
	return nil
}

// Change replaces the payload of the block at index and sets its type.
// Attrs are kept.
func (d *Document) Change(index int, t ElementType, data map[string]interface{}) error {
	if err := checkIndex(index, len(d.Content)); err != nil {
		return err
	}
	if data == nil {
		data = map[string]interface{}{}
	}
	d.Content[index].Type = t
	d.Content[index].Data = data
	d.touch()
	return nil
}

func (d *Document) touch() {
	d.EditedAt = time.Now().UTC()
}
