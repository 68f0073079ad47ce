// Package list implements the intrusive doubly-linked list used by the
// pager's frame bookkeeping (free / unpinned / pinned lists).
package list

// List is a doubly-linked list of T.
type List[T any] struct {
	head *Link[T]
	tail *Link[T]
}

// NewList creates a new, empty list.
func NewList[T any]() *List[T] {
	return &List[T]{}
}

// PeekHead returns the head of the list, or nil if the list is empty.
func (list *List[T]) PeekHead() *Link[T] {
	return list.head
}

// PeekTail returns the tail of the list, or nil if the list is empty.
func (list *List[T]) PeekTail() *Link[T] {
	return list.tail
}

// PushHead adds an element to the start of the list and returns its link.
func (list *List[T]) PushHead(value T) *Link[T] {
	link := &Link[T]{list: list, next: list.head, value: value}
	if list.head != nil {
		list.head.prev = link
	}
	list.head = link
	if list.tail == nil {
		list.tail = link
	}
	return link
}

// PushTail adds an element to the end of the list and returns its link.
func (list *List[T]) PushTail(value T) *Link[T] {
	link := &Link[T]{list: list, prev: list.tail, value: value}
	if list.tail != nil {
		list.tail.next = link
	}
	list.tail = link
	if list.head == nil {
		list.head = link
	}
	return link
}

// Find returns the first link for which f evaluates to true, or nil.
func (list *List[T]) Find(f func(*Link[T]) bool) *Link[T] {
	for cur := list.head; cur != nil; cur = cur.next {
		if f(cur) {
			return cur
		}
	}
	return nil
}

// Map applies f to every link in the list, head to tail.
// f must not pop links other than the one it was handed.
func (list *List[T]) Map(f func(*Link[T])) {
	for cur := list.head; cur != nil; {
		next := cur.next
		f(cur)
		cur = next
	}
}

// Link is one element of a List.
type Link[T any] struct {
	list *List[T]
	prev *Link[T]
	next *Link[T]

	value T
}

// GetList returns the list that this link is a part of, or nil if popped.
func (link *Link[T]) GetList() *List[T] {
	return link.list
}

// GetValue returns the link's value.
func (link *Link[T]) GetValue() T {
	return link.value
}

// SetValue replaces the link's value.
func (link *Link[T]) SetValue(value T) {
	link.value = value
}

// GetPrev returns the previous link, or nil at the head.
func (link *Link[T]) GetPrev() *Link[T] {
	return link.prev
}

// GetNext returns the next link, or nil at the tail.
func (link *Link[T]) GetNext() *Link[T] {
	return link.next
}

// PopSelf unlinks this link from its list.
func (link *Link[T]) PopSelf() {
	if link.prev != nil {
		link.prev.next = link.next
	} else {
		link.list.head = link.next
	}
	if link.next != nil {
		link.next.prev = link.prev
	} else {
		link.list.tail = link.prev
	}
	link.list = nil
	link.prev = nil
	link.next = nil
}
