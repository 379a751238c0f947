package queues

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/Yulian302/lfusys-services-uploads/apperror"
	"github.com/Yulian302/lfusys-services-uploads/logging"
	"github.com/Yulian302/lfusys-services-uploads/models"
	"github.com/Yulian302/lfusys-services-uploads/services"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ReceiveAPI is the part of the SQS client the receiver uses.
type ReceiveAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// AttachRequestsReceiverImpl consumes AttachRequestedEvent messages
// published by the bulk importer and links the referenced uploads.
type AttachRequestsReceiverImpl struct {
	client            ReceiveAPI
	attachmentService services.AttachmentService
	queueUrl          string
	waitSeconds       int32
	logger            logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAttachRequestsReceiverImpl(
	parent context.Context,
	client ReceiveAPI,
	attachSvc services.AttachmentService,
	queueUrl string,
	l logging.Logger,
) *AttachRequestsReceiverImpl {

	ctx, cancel := context.WithCancel(parent)

	return &AttachRequestsReceiverImpl{
		client:            client,
		attachmentService: attachSvc,
		queueUrl:          queueUrl,
		waitSeconds:       20, // long poll
		logger:            l,
		ctx:               ctx,
		cancel:            cancel,
	}
}

func (r *AttachRequestsReceiverImpl) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *AttachRequestsReceiverImpl) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueUrl),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     r.waitSeconds,
			VisibilityTimeout:   60,
		})
		if err != nil {
			if r.ctx.Err() != nil {
				return r.ctx.Err()
			}
			r.logger.Warn("failed to receive attach requests", "error", err)
			select {
			case <-r.ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *AttachRequestsReceiverImpl) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueUrl),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		r.logger.Warn("failed to delete attach request", "message_id", aws.ToString(msg.MessageId), "error", err)
	}
}

func (r *AttachRequestsReceiverImpl) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var evt models.AttachRequestedEvent
	if err := json.Unmarshal([]byte(*msg.Body), &evt); err != nil {
		// poison message
		r.logger.Warn("dropping malformed attach request", "message_id", aws.ToString(msg.MessageId), "error", err)
		r.deleteMessage(ctx, msg)
		return
	}

	_, err := r.attachmentService.Attach(ctx, evt.Sku, evt.UploadId)
	switch {
	case err == nil:
		r.deleteMessage(ctx, msg)
	case isPermanent(err):
		r.logger.Warn("dropping attach request", "sku", evt.Sku, "upload_id", evt.UploadId, "error", err)
		r.deleteMessage(ctx, msg)
	default:
		// redelivered after the visibility timeout
		r.logger.Info("attach request deferred", "sku", evt.Sku, "upload_id", evt.UploadId, "error", err)
	}
}

// isPermanent reports whether retrying the request can never succeed.
// A missing session is permanent even though it also reads as not ready.
func isPermanent(err error) bool {
	return errors.Is(err, apperror.ErrNotFound) ||
		errors.Is(err, apperror.ErrInvalidShape) ||
		errors.Is(err, apperror.ErrUnsupportedImageFormat)
}

func (r *AttachRequestsReceiverImpl) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
