package dataset

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Split 按种子打乱下标并切分训练集与测试集
//
// train = perm[:n-testSize], test = perm[n-testSize:]
func Split(n, testSize int, seed int64) (train, test []int, err error) {
	if testSize < 0 || testSize >= n {
		return nil, nil, errors.Errorf("测试集大小 %d 无效, 样本数 %d", testSize, n)
	}
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	return perm[:n-testSize], perm[n-testSize:], nil
}

// Source 可按下标取样本的数据源
type Source interface {
	Len() int
	Get(i int) (Sample, error)
}

// Subset 数据集的下标子集
type Subset struct {
	Source  Source
	Indices []int
}

// Len 实现 Source
func (s Subset) Len() int {
	return len(s.Indices)
}

// Get 实现 Source
func (s Subset) Get(i int) (Sample, error) {
	if i < 0 || i >= len(s.Indices) {
		return Sample{}, errors.Errorf("下标 %d 越界 [0, %d)", i, len(s.Indices))
	}
	return s.Source.Get(s.Indices[i])
}

// Loader 以 batch size 1 遍历数据源, 多个 worker 并行预取
type Loader struct {
	Source  Source
	Shuffle bool
	Workers int // 预取 worker 数, <=0 时为 1
	Seed    int64

	epoch int64
}

// Each 按分发顺序逐条回调样本
//
// 任一样本加载失败、回调返回错误或 ctx 取消时停止。
func (l *Loader) Each(ctx context.Context, fn func(pos int, s Sample) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	order := make([]int, l.Source.Len())
	for i := range order {
		order[i] = i
	}
	if l.Shuffle {
		rng := rand.New(rand.NewSource(l.Seed + l.epoch))
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}
	l.epoch++

	workers := max(1, l.Workers)
	g, ctx := errgroup.WithContext(ctx)

	type result struct {
		sample Sample
		err    error
	}
	// 每个位置一个 channel, 保证按分发顺序交付
	slots := make([]chan result, len(order))
	for i := range slots {
		slots[i] = make(chan result, 1)
	}

	jobs := make(chan int)
	g.Go(func() error {
		defer close(jobs)
		for pos := range order {
			select {
			case jobs <- pos:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for pos := range jobs {
				s, err := l.Source.Get(order[pos])
				slots[pos] <- result{sample: s, err: err}
			}
			return nil
		})
	}

	g.Go(func() error {
		for pos := range order {
			select {
			case r := <-slots[pos]:
				if r.err != nil {
					return errors.Wrapf(r.err, "加载第 %d 条样本失败", order[pos])
				}
				if err := fn(pos, r.sample); err != nil {
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	return g.Wait()
}
