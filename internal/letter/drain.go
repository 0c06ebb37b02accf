package letter

import "context"

// Drain pulls fragments until the channel is closed or ctx is done, calling
// onUpdate after every fragment. It always finalizes the splitter. When ctx
// ends first, the partial exchange is returned together with ctx.Err().
func (s *Splitter) Drain(ctx context.Context, fragments <-chan string, onUpdate func(Update)) (CompletedExchange, error) {
	for {
		select {
		case <-ctx.Done():
			return s.Finish(), ctx.Err()
		case fragment, ok := <-fragments:
			if !ok {
				return s.Finish(), nil
			}
			u := s.Feed(fragment)
			if onUpdate != nil {
				onUpdate(u)
			}
		}
	}
}
