package merge

import (
	"container/heap"

	"github.com/sandboxws/batchmerge/pkg/batch"
)

// frontier holds the current head of every open batch, smallest first.
type frontier []batch.IndexItem

func (f frontier) Len() int           { return len(f) }
func (f frontier) Less(i, j int) bool { return f[i].Compare(f[j]) < 0 }
func (f frontier) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func (f *frontier) Push(x any) { *f = append(*f, x.(batch.IndexItem)) }

func (f *frontier) Pop() any {
	old := *f
	n := len(old)
	item := old[n-1]
	*f = old[:n-1]
	return item
}

func (f *frontier) push(item batch.IndexItem) { heap.Push(f, item) }

func (f *frontier) pop() batch.IndexItem { return heap.Pop(f).(batch.IndexItem) }
