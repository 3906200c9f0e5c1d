package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	carrotlite "github.com/aleybovich/carrot-lite"
	"github.com/aleybovich/carrot-lite/brokererror"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type exchangeRequest struct {
	Name    string `json:"name" binding:"required"`
	Type    string `json:"type"`
	Durable bool   `json:"durable"`
}

type queueRequest struct {
	Name    string `json:"name" binding:"required"`
	Durable bool   `json:"durable"`
}

type bindingRequest struct {
	Exchange   string `json:"exchange" binding:"required"`
	Queue      string `json:"queue" binding:"required"`
	RoutingKey string `json:"routing_key"`
}

type publishRequest struct {
	Exchange    string         `json:"exchange"`
	RoutingKey  string         `json:"routing_key"`
	Body        []byte         `json:"body"` // base64
	Persistent  bool           `json:"persistent"`
	ContentType string         `json:"content_type"`
	Headers     map[string]any `json:"headers"`
	MessageID   string         `json:"message_id"`
}

type getRequest struct {
	Queue   string `json:"queue" binding:"required"`
	AckMode string `json:"ack_mode"`
}

type ackRequest struct {
	DeliveryTag uint64 `json:"delivery_tag"`
	Multiple    bool   `json:"multiple"`
	Requeue     bool   `json:"requeue"`
}

type consumeRequest struct {
	Queue       string `json:"queue" binding:"required"`
	ConsumerTag string `json:"consumer_tag"`
	AckMode     string `json:"ack_mode"`
}

// DeliveryResponse is the JSON form of a delivery. Body is base64 encoded so
// binary payloads survive the trip.
type DeliveryResponse struct {
	DeliveryTag  uint64         `json:"delivery_tag"`
	ConsumerTag  string         `json:"consumer_tag,omitempty"`
	Queue        string         `json:"queue"`
	MessageID    string         `json:"message_id"`
	Exchange     string         `json:"exchange"`
	RoutingKey   string         `json:"routing_key"`
	ContentType  string         `json:"content_type,omitempty"`
	Headers      map[string]any `json:"headers,omitempty"`
	Body         []byte         `json:"body"`
	Persistent   bool           `json:"persistent"`
	Redelivered  bool           `json:"redelivered"`
	Timestamp    time.Time      `json:"timestamp"`
	MessageCount int            `json:"message_count"`
}

func toDeliveryResponse(d carrotlite.Delivery) DeliveryResponse {
	return DeliveryResponse{
		DeliveryTag:  d.DeliveryTag,
		ConsumerTag:  d.ConsumerTag,
		Queue:        d.Queue,
		MessageID:    d.MessageID,
		Exchange:     d.Exchange,
		RoutingKey:   d.RoutingKey,
		ContentType:  d.ContentType,
		Headers:      d.Headers,
		Body:         d.Body,
		Persistent:   d.Persistent,
		Redelivered:  d.Redelivered,
		Timestamp:    d.Timestamp,
		MessageCount: d.MessageCount,
	}
}

const (
	defaultNextTimeout = 5 * time.Second
	maxNextTimeout     = 60 * time.Second

	// nginx's code for a client that went away before the response
	statusClientClosedRequest = 499
)

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, APIResponse{Success: true, Data: map[string]string{"status": "ok"}})
	})

	v1 := r.Group("/v1")

	v1.POST("/exchanges", s.declareExchange)
	v1.GET("/exchanges/:name", s.inspectExchange)
	v1.DELETE("/exchanges/:name", s.deleteExchange)

	v1.POST("/queues", s.declareQueue)
	v1.GET("/queues/:name", s.inspectQueue)
	v1.DELETE("/queues/:name", s.deleteQueue)
	v1.POST("/queues/:name/purge", s.purgeQueue)

	v1.POST("/bindings", s.bind)
	v1.DELETE("/bindings", s.unbind)

	v1.POST("/channels", s.openChannel)
	v1.DELETE("/channels/:id", s.closeChannel)

	channel := v1.Group("/channels/:id", s.withSession)
	channel.POST("/publish", s.publish)
	channel.POST("/get", s.get)
	channel.POST("/ack", s.ack)
	channel.POST("/nack", s.nack)
	channel.POST("/consumers", s.consume)
	channel.POST("/consumers/:tag/next", s.next)
	channel.DELETE("/consumers/:tag", s.cancelConsumer)
}

// statusFor maps broker error kinds onto HTTP status codes.
func statusFor(err error) (int, string) {
	if errors.Is(err, brokererror.ErrTimeout) {
		return http.StatusRequestTimeout, "TIMEOUT"
	}
	if errors.Is(err, context.Canceled) {
		return statusClientClosedRequest, "CLIENT_CLOSED_REQUEST"
	}
	code, ok := brokererror.CodeOf(err)
	if !ok {
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
	switch code {
	case brokererror.NotFound:
		return http.StatusNotFound, code.String()
	case brokererror.ConfigurationConflict:
		return http.StatusConflict, code.String()
	case brokererror.ChannelClosed, brokererror.ConnectionClosed:
		return http.StatusGone, code.String()
	case brokererror.InvalidArgument, brokererror.NotAllowed:
		return http.StatusBadRequest, code.String()
	case brokererror.Unroutable:
		return http.StatusUnprocessableEntity, code.String()
	case brokererror.AccessRefused:
		return http.StatusForbidden, code.String()
	case brokererror.ResourceError:
		return http.StatusServiceUnavailable, code.String()
	default:
		return http.StatusInternalServerError, code.String()
	}
}

func fail(c *gin.Context, err error) {
	status, code := statusFor(err)
	c.AbortWithStatusJSON(status, APIResponse{
		Success: false,
		Error:   &APIError{Code: code, Message: err.Error()},
	})
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, APIResponse{
		Success: false,
		Error:   &APIError{Code: "INVALID_PARAMETER", Message: err.Error()},
	})
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, APIResponse{Success: true, Data: data})
}

func (s *Server) declareExchange(c *gin.Context) {
	var req exchangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Type == "" {
		req.Type = carrotlite.ExchangeDirect
	}
	if err := s.broker.DeclareExchange(req.Name, req.Type, req.Durable); err != nil {
		fail(c, err)
		return
	}
	info, err := s.broker.InspectExchange(req.Name)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, info)
}

func (s *Server) inspectExchange(c *gin.Context) {
	info, err := s.broker.InspectExchange(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, info)
}

func (s *Server) deleteExchange(c *gin.Context) {
	if err := s.broker.DeleteExchange(c.Param("name")); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (s *Server) declareQueue(c *gin.Context) {
	var req queueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	info, err := s.broker.DeclareQueue(req.Name, req.Durable)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, info)
}

func (s *Server) inspectQueue(c *gin.Context) {
	info, err := s.broker.InspectQueue(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, info)
}

func (s *Server) deleteQueue(c *gin.Context) {
	dropped, err := s.broker.DeleteQueue(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"dropped": dropped})
}

func (s *Server) purgeQueue(c *gin.Context) {
	purged, err := s.broker.PurgeQueue(c.Param("name"))
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"purged": purged})
}

func (s *Server) bind(c *gin.Context) {
	var req bindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.broker.BindQueue(req.Queue, req.Exchange, req.RoutingKey); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, req)
}

func (s *Server) unbind(c *gin.Context) {
	var req bindingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.broker.UnbindQueue(req.Queue, req.Exchange, req.RoutingKey); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, req)
}

func (s *Server) openChannel(c *gin.Context) {
	sess, err := s.openSession()
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, gin.H{"id": sess.id, "channel": sess.ch.ID()})
}

func (s *Server) closeChannel(c *gin.Context) {
	if err := s.closeSession(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"closed": c.Param("id")})
}

func (s *Server) withSession(c *gin.Context) {
	sess, found := s.session(c.Param("id"))
	if !found {
		fail(c, brokererror.New(brokererror.NotFound, "no channel session '%s'", c.Param("id")))
		return
	}
	sess.active.Add(1)
	sess.touch(time.Now())
	defer func() {
		sess.touch(time.Now())
		sess.active.Add(-1)
	}()

	c.Set("session", sess)
	c.Next()
}

func sessionFrom(c *gin.Context) *session {
	return c.MustGet("session").(*session)
}

func (s *Server) publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	err := sessionFrom(c).ch.Publish(req.Exchange, req.RoutingKey, carrotlite.Publishing{
		Body:        req.Body,
		Persistent:  req.Persistent,
		ContentType: req.ContentType,
		Headers:     req.Headers,
		MessageID:   req.MessageID,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"published": true})
}

func (s *Server) get(c *gin.Context) {
	var req getRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	mode, err := carrotlite.ParseAckMode(req.AckMode)
	if err != nil {
		fail(c, err)
		return
	}
	d, found, err := sessionFrom(c).ch.Get(req.Queue, mode)
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		respond(c, http.StatusOK, gin.H{"empty": true})
		return
	}
	respond(c, http.StatusOK, toDeliveryResponse(d))
}

func (s *Server) ack(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := sessionFrom(c).ch.Ack(req.DeliveryTag, req.Multiple); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"acked": req.DeliveryTag})
}

func (s *Server) nack(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := sessionFrom(c).ch.Nack(req.DeliveryTag, req.Multiple, req.Requeue); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"nacked": req.DeliveryTag, "requeued": req.Requeue})
}

func (s *Server) consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	mode, err := carrotlite.ParseAckMode(req.AckMode)
	if err != nil {
		fail(c, err)
		return
	}

	sess := sessionFrom(c)
	consumer, err := sess.ch.Consume(req.Queue, req.ConsumerTag, mode)
	if err != nil {
		fail(c, err)
		return
	}
	sess.mu.Lock()
	sess.consumers[consumer.Tag()] = consumer
	sess.mu.Unlock()

	respond(c, http.StatusCreated, gin.H{"consumer_tag": consumer.Tag(), "queue": consumer.Queue(), "ack_mode": mode.String()})
}

// next long-polls one delivery. ?timeout= takes a Go duration, default 5s, max 60s.
func (s *Server) next(c *gin.Context) {
	consumer, found := sessionFrom(c).consumer(c.Param("tag"))
	if !found {
		fail(c, brokererror.New(brokererror.NotFound, "no consumer '%s'", c.Param("tag")))
		return
	}

	timeout := defaultNextTimeout
	if raw := c.Query("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			badRequest(c, errors.New("timeout must be a positive duration such as 500ms or 5s"))
			return
		}
		timeout = min(d, maxNextTimeout)
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	d, err := consumer.Dequeue(ctx)
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, toDeliveryResponse(d))
}

func (s *Server) cancelConsumer(c *gin.Context) {
	sess := sessionFrom(c)
	tag := c.Param("tag")

	sess.mu.Lock()
	consumer, found := sess.consumers[tag]
	delete(sess.consumers, tag)
	sess.mu.Unlock()

	if !found {
		fail(c, brokererror.New(brokererror.NotFound, "no consumer '%s'", tag))
		return
	}
	if err := consumer.Cancel(); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"cancelled": tag})
}
