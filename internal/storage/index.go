package storage

import "container/list"

// orderedIndex is a map that remembers first-insertion order, oldest at the front.
type orderedIndex[V any] struct {
	items map[string]*list.Element
	order *list.List
}

type indexNode[V any] struct {
	id    string
	value V
}

func newOrderedIndex[V any]() *orderedIndex[V] {
	return &orderedIndex[V]{items: make(map[string]*list.Element), order: list.New()}
}

// put inserts or replaces id. Replacing keeps the original position.
func (ix *orderedIndex[V]) put(id string, v V) (existed bool) {
	if el, ok := ix.items[id]; ok {
		el.Value.(*indexNode[V]).value = v
		return true
	}
	ix.items[id] = ix.order.PushBack(&indexNode[V]{id: id, value: v})
	return false
}

func (ix *orderedIndex[V]) get(id string) (V, bool) {
	el, ok := ix.items[id]
	if !ok {
		var zero V
		return zero, false
	}
	return el.Value.(*indexNode[V]).value, true
}

func (ix *orderedIndex[V]) remove(id string) bool {
	el, ok := ix.items[id]
	if !ok {
		return false
	}
	ix.order.Remove(el)
	delete(ix.items, id)
	return true
}

// trim evicts from the front until at most max items remain.
func (ix *orderedIndex[V]) trim(max int) []string {
	if max <= 0 {
		return nil
	}
	var evicted []string
	for ix.order.Len() > max {
		front := ix.order.Front()
		node := front.Value.(*indexNode[V])
		ix.order.Remove(front)
		delete(ix.items, node.id)
		evicted = append(evicted, node.id)
	}
	return evicted
}

// removeIf evicts every item for which fn is true.
func (ix *orderedIndex[V]) removeIf(fn func(V) bool) []string {
	var removed []string
	for el := ix.order.Front(); el != nil; {
		next := el.Next()
		node := el.Value.(*indexNode[V])
		if fn(node.value) {
			ix.order.Remove(el)
			delete(ix.items, node.id)
			removed = append(removed, node.id)
		}
		el = next
	}
	return removed
}

// newestFirst visits items from newest to oldest until fn returns false.
func (ix *orderedIndex[V]) newestFirst(fn func(id string, v V) bool) {
	for el := ix.order.Back(); el != nil; el = el.Prev() {
		node := el.Value.(*indexNode[V])
		if !fn(node.id, node.value) {
			return
		}
	}
}

// oldestFirst visits items from oldest to newest.
func (ix *orderedIndex[V]) oldestFirst(fn func(id string, v V)) {
	for el := ix.order.Front(); el != nil; el = el.Next() {
		node := el.Value.(*indexNode[V])
		fn(node.id, node.value)
	}
}

func (ix *orderedIndex[V]) len() int { return ix.order.Len() }

func (ix *orderedIndex[V]) reset() {
	ix.items = make(map[string]*list.Element)
	ix.order.Init()
}
